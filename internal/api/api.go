// Package api exposes a lightweight management API for external
// integrations.
//
// Endpoints
//
//	GET  /api/current         Return the currently selected upstream.
//	GET  /api/pool            List the upstream pool.
//	POST /api/rotate          Force an immediate reselection.
//	POST /api/refresh         Trigger a refresh cycle.
//	GET  /api/events          WebSocket feed of rotation/refresh events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drsoft-oss/rotaproxy/internal/pool"
	"github.com/drsoft-oss/rotaproxy/internal/refresher"
	"github.com/drsoft-oss/rotaproxy/internal/rotator"
)

// Server is the management API server.
type Server struct {
	pool      *pool.Pool
	rotator   *rotator.Rotator
	refresher *refresher.Refresher
	server    *http.Server
	hub       *hub
	logger    zerolog.Logger
}

// New creates and configures the API server.
func New(addr string, p *pool.Pool, rot *rotator.Rotator, ref *refresher.Refresher) *Server {
	s := &Server{
		pool:      p,
		rotator:   rot,
		refresher: ref,
		hub:       newHub(),
		logger:    log.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/current", s.handleCurrent)
	mux.HandleFunc("/api/pool", s.handlePool)
	mux.HandleFunc("/api/rotate", s.handleRotate)
	mux.HandleFunc("/api/refresh", s.handleRefresh)
	mux.HandleFunc("/api/events", s.hub.handleWS)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	go s.hub.run()
	return s.server.ListenAndServe()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.hub.close()
	return s.server.Close()
}

// Publish broadcasts an event to all connected WebSocket clients.
func (s *Server) Publish(kind string, body any) {
	s.hub.publish(Event{Kind: kind, Body: body})
}

// -----------------------------------------------------------------------
// Request / Response types
// -----------------------------------------------------------------------

// UpstreamInfo is a serialisable snapshot of one upstream.
type UpstreamInfo struct {
	Address string `json:"address"` // redacted display form
	Scheme  string `json:"scheme"`
	Host    string `json:"host"`
	Current bool   `json:"current"`
}

// Event is one message on the /api/events feed.
type Event struct {
	Kind string `json:"kind"`
	Body any    `json:"body"`
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur := s.pool.Current()
	if cur == nil {
		http.Error(w, "no upstream available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, upstreamToInfo(cur, cur))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur := s.pool.Current()
	infos := []UpstreamInfo{}
	for _, up := range s.pool.Snapshot() {
		infos = append(infos, upstreamToInfo(up, cur))
	}
	writeJSON(w, infos)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rotator.Rotate()
	cur := s.pool.Current()
	addr := ""
	if cur != nil {
		addr = cur.String()
	}
	s.logger.Info().Str("upstream", addr).Msg("manual rotation")
	writeJSON(w, map[string]any{"ok": true, "upstream": addr})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go s.refresher.RunOnce(context.Background())
	s.logger.Info().Msg("manual refresh triggered")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{"ok": true}); err != nil {
		s.logger.Debug().Err(err).Msg("encode API response")
	}
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode API response")
	}
}

func upstreamToInfo(up, cur *pool.Upstream) UpstreamInfo {
	return UpstreamInfo{
		Address: up.String(),
		Scheme:  up.URL().Scheme,
		Host:    up.Host(),
		Current: cur != nil && up.Key() == cur.Key(),
	}
}
