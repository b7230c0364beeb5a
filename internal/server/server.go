// Package server implements the client-facing HTTP/HTTPS forward proxy.
// It speaks HTTP/1.1 and supports:
//
//   - CONNECT tunnelling through the current upstream (used for HTTPS)
//   - Plain HTTP forwarding of absolute-form requests
//
// Every connection captures the current upstream once at dispatch time; a
// rotation that fires mid-request does not affect it.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drsoft-oss/rotaproxy/internal/pool"
	"github.com/drsoft-oss/rotaproxy/internal/upstream"
)

// Config holds proxy server settings.
type Config struct {
	// ListenAddr is the address to bind on (e.g. "127.0.0.1:8888").
	ListenAddr string

	// DialTimeout caps connecting to an upstream proxy. Default 30s.
	DialTimeout time.Duration

	// ForwardTimeout caps a plain-HTTP forward end to end. Default 30s.
	ForwardTimeout time.Duration

	// TunnelIdleTimeout tears down a CONNECT tunnel after this long without
	// activity on either side. Default 60s.
	TunnelIdleTimeout time.Duration
}

// Server is the local rotating proxy server.
type Server struct {
	cfg    Config
	pool   *pool.Pool
	logger zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config, p *pool.Pool) *Server {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.ForwardTimeout == 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	if cfg.TunnelIdleTimeout == 0 {
		cfg.TunnelIdleTimeout = 60 * time.Second
	}
	return &Server{
		cfg:    cfg,
		pool:   p,
		logger: log.With().Str("component", "server").Logger(),
	}
}

// Start binds the listener and serves until it is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("proxy listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed — normal shutdown or supervisor restart.
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener. In-flight tunnels are torn down by socket
// closure when their peers go away.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// -----------------------------------------------------------------------
// Connection handling
// -----------------------------------------------------------------------

func (s *Server) handleConn(clientConn net.Conn) {
	defer clientConn.Close()

	br := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.logger.Debug().Err(err).Msg("read request")
			writeRawResponse(clientConn, http.StatusInternalServerError, "malformed request")
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(clientConn, br, req)
	} else {
		s.handleForward(clientConn, req)
	}
}

// -----------------------------------------------------------------------
// Forward engine (plain HTTP)
// -----------------------------------------------------------------------

// handleForward relays an absolute-form HTTP request through the current
// upstream proxy and streams the response back.
func (s *Server) handleForward(clientConn net.Conn, req *http.Request) {
	defer req.Body.Close()

	if !req.URL.IsAbs() {
		writeRawResponse(clientConn, http.StatusInternalServerError, "request URI must be absolute")
		return
	}

	up := s.pool.Current()
	if up == nil {
		s.logger.Warn().Str("url", req.URL.String()).Msg("no upstream available")
		writeRawResponse(clientConn, http.StatusServiceUnavailable, "no upstream available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForwardTimeout)
	defer cancel()

	// Bodies are Content-Length framed; methods without a body forward none.
	var body io.Reader
	if req.ContentLength > 0 {
		body = io.LimitReader(req.Body, req.ContentLength)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		writeRawResponse(clientConn, http.StatusInternalServerError, "bad request")
		return
	}
	if req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}
	out.Header = stripHopByHop(req.Header)

	// The transport injects Proxy-Authorization from the upstream URL's
	// credentials and rewrites the request to absolute form on the wire.
	transport := &http.Transport{
		Proxy:             http.ProxyURL(up.URL()),
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(out)
	if err != nil {
		status := http.StatusBadGateway
		msg := "upstream error"
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
			msg = "upstream timeout"
		}
		s.logger.Warn().Str("upstream", up.String()).Str("url", req.URL.String()).Err(err).Msg("forward failed")
		writeRawResponse(clientConn, status, msg)
		return
	}
	defer resp.Body.Close()

	resp.Header = stripHopByHop(resp.Header)
	resp.Close = true
	// The downstream peer may have gone away; a failed write here is not an
	// error worth surfacing.
	if err := resp.Write(clientConn); err != nil {
		s.logger.Debug().Err(err).Msg("write response to client")
	}
}

// -----------------------------------------------------------------------
// Tunnel engine (CONNECT)
// -----------------------------------------------------------------------

// handleConnect establishes a tunnel to the CONNECT target through the
// current upstream and relays bytes in both directions until EOF, error, or
// idle timeout.
func (s *Server) handleConnect(clientConn net.Conn, br *bufio.Reader, req *http.Request) {
	destination := req.Host
	if !hasPort(destination) {
		destination += ":443"
	}

	up := s.pool.Current()
	if up == nil {
		s.logger.Warn().Str("dest", destination).Msg("no upstream available")
		writeRawResponse(clientConn, http.StatusServiceUnavailable, "no upstream available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	upstreamConn, err := upstream.Dial(ctx, up.URL(), destination)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn().Str("upstream", up.String()).Str("dest", destination).Err(err).Msg("CONNECT dial failed")
		writeRawResponse(clientConn, status, "upstream CONNECT failed")
		return
	}
	defer upstreamConn.Close()

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// A client may pipeline bytes right behind its CONNECT request; anything
	// already buffered belongs to the tunnel.
	if n := br.Buffered(); n > 0 {
		if _, err := io.CopyN(upstreamConn, br, int64(n)); err != nil {
			return
		}
	}

	s.logger.Debug().Str("upstream", up.String()).Str("dest", destination).Msg("tunnel established")
	s.relay(clientConn, upstreamConn)
}

// relay copies bytes between the two sockets until either side reaches EOF
// or errors, or no activity is seen for the idle timeout. Both sockets are
// closed on exit so the other direction unblocks deterministically.
func (s *Server) relay(a, b net.Conn) {
	idle := s.cfg.TunnelIdleTimeout
	done := make(chan struct{}, 2)

	// Traffic in either direction keeps the whole tunnel alive.
	var mu sync.Mutex
	lastActive := time.Now()

	copyLoop := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 8*1024)
		for {
			_ = src.SetReadDeadline(time.Now().Add(idle))
			n, err := src.Read(buf)
			if n > 0 {
				mu.Lock()
				lastActive = time.Now()
				mu.Unlock()
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if isTimeout(err) {
					mu.Lock()
					quiet := time.Since(lastActive)
					mu.Unlock()
					if quiet < idle {
						continue
					}
				}
				if tc, ok := dst.(*net.TCPConn); ok {
					_ = tc.CloseWrite()
				}
				return
			}
		}
	}

	go copyLoop(a, b)
	go copyLoop(b, a)

	<-done
	// First direction finished — tear both sockets down so the second copy
	// loop unblocks immediately.
	a.Close()
	b.Close()
	<-done
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

// hopByHopHeaders are never forwarded across the proxy, in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop returns a copy of h without hop-by-hop headers, including
// any header named by the Connection header itself.
func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

func writeRawResponse(conn net.Conn, code int, body string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
