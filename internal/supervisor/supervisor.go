// Package supervisor keeps the serving endpoint alive. It probes the proxy
// through its own listener and rebuilds the listener after repeated
// failures. The pool, rotator, and refresher survive restarts.
package supervisor

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drsoft-oss/rotaproxy/internal/server"
)

// Config controls health probing and restart behaviour.
type Config struct {
	// EchoURL is fetched through the proxy's own listener on every probe.
	EchoURL string

	// HealthInterval is the time between probes. Default 60s.
	HealthInterval time.Duration

	// ProbeTimeout bounds one probe. Default 10s.
	ProbeTimeout time.Duration

	// Warmup delays the first probe after startup. Default 10s.
	Warmup time.Duration

	// MaxFailures is how many consecutive probe failures trigger a restart.
	// Default 3.
	MaxFailures int

	// StartupWait bounds how long to wait for a rebuilt listener to come up.
	// Default 10s.
	StartupWait time.Duration
}

// Supervisor owns the serving endpoint's lifecycle.
type Supervisor struct {
	cfg     Config
	factory func() *server.Server
	logger  zerolog.Logger

	mu  sync.Mutex
	srv *server.Server

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor. factory builds a fresh serving engine; it is
// called once at start and again on every restart.
func New(cfg Config, factory func() *server.Server) *Supervisor {
	if cfg.EchoURL == "" {
		cfg.EchoURL = "http://httpbin.org/ip"
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.Warmup == 0 {
		cfg.Warmup = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.StartupWait == 0 {
		cfg.StartupWait = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  log.With().Str("component", "supervisor").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start brings the serving endpoint up, verifies the listener bound, and
// launches the health loop. Returns an error when the listener cannot bind.
func (s *Supervisor) Start() error {
	srv, err := s.launch()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go s.healthLoop()
	return nil
}

// Stop shuts down the health loop and closes the serving endpoint's
// listener. Connections already accepted, established tunnels included, are
// not closed here; they end when a peer closes or the tunnel idle timeout
// fires.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Stop()
	}
	s.wg.Wait()
}

// Addr returns the current listener address.
func (s *Supervisor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr()
}

// launch starts a fresh serving engine and waits for its listener to bind.
func (s *Supervisor) launch() (*server.Server, error) {
	srv := s.factory()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	deadline := time.Now().Add(s.cfg.StartupWait)
	for time.Now().Before(deadline) {
		if srv.Addr() != "" {
			return srv, nil
		}
		select {
		case err := <-errCh:
			return nil, fmt.Errorf("proxy server failed to start: %w", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	_ = srv.Stop()
	return nil, fmt.Errorf("proxy server did not bind within %s", s.cfg.StartupWait)
}

func (s *Supervisor) healthLoop() {
	defer s.wg.Done()

	select {
	case <-time.After(s.cfg.Warmup):
	case <-s.stop:
		return
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
			if s.probe() {
				if failures > 0 {
					s.logger.Info().Msg("serving endpoint recovered")
				}
				failures = 0
				continue
			}
			failures++
			s.logger.Warn().Int("failures", failures).Int("max", s.cfg.MaxFailures).Msg("health probe failed")
			if failures >= s.cfg.MaxFailures {
				s.restart()
				failures = 0
			}
		case <-s.stop:
			return
		}
	}
}

// probe fetches the echo URL through the proxy's own listener.
func (s *Supervisor) probe() bool {
	addr := s.Addr()
	if addr == "" {
		return false
	}
	proxyURL, err := url.Parse("http://" + addr)
	if err != nil {
		return false
	}
	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: s.cfg.ProbeTimeout}

	resp, err := client.Get(s.cfg.EchoURL)
	if err != nil {
		s.logger.Debug().Err(err).Msg("probe error")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// restart tears the serving endpoint down and builds a fresh one. A failed
// restart is logged; the next health cycle tries again.
func (s *Supervisor) restart() {
	s.logger.Error().Msg("too many failed probes, restarting serving endpoint")

	s.mu.Lock()
	old := s.srv
	s.mu.Unlock()
	if old != nil {
		_ = old.Stop()
	}

	srv, err := s.launch()
	if err != nil {
		s.logger.Error().Err(err).Msg("restart failed")
		return
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.logger.Info().Str("addr", srv.Addr()).Msg("serving endpoint restarted")
}
