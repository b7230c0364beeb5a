// Package validator probes candidate upstreams for reachability.
package validator

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/drsoft-oss/rotaproxy/internal/pool"
)

// DefaultConcurrency bounds how many probes run in flight at once.
const DefaultConcurrency = 20

// Config controls a validation pass.
type Config struct {
	// TestURL is fetched through each candidate; a 200 response keeps it.
	TestURL string

	// Timeout applies per probe.
	Timeout time.Duration

	// Concurrency limits in-flight probes. Zero means DefaultConcurrency.
	Concurrency int
}

// Validate returns the subset of candidates that completed an HTTP GET of
// cfg.TestURL through themselves within cfg.Timeout with status 200. Input
// order is preserved. The pool is never touched.
func Validate(ctx context.Context, candidates []*pool.Upstream, cfg Config) []*pool.Upstream {
	if len(candidates) == 0 {
		return nil
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	logger := log.With().Str("component", "validator").Logger()
	logger.Info().Int("candidates", len(candidates)).Dur("timeout", cfg.Timeout).Msg("validation pass started")

	ok := make([]bool, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, up := range candidates {
		i, up := i, up
		g.Go(func() error {
			ok[i] = probe(ctx, up, cfg, logger)
			return nil
		})
	}
	_ = g.Wait()

	var alive []*pool.Upstream
	for i, up := range candidates {
		if ok[i] {
			alive = append(alive, up)
		}
	}
	logger.Info().Int("alive", len(alive)).Int("candidates", len(candidates)).Msg("validation pass done")
	return alive
}

// probe fetches the test URL through one candidate. Any failure counts as
// dead.
func probe(ctx context.Context, up *pool.Upstream, cfg Config, logger zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	transport := &http.Transport{
		Proxy:             http.ProxyURL(up.URL()),
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.TestURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug().Str("upstream", up.String()).Err(err).Msg("probe failed")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Debug().Str("upstream", up.String()).Int("status", resp.StatusCode).Msg("probe rejected")
		return false
	}
	return true
}
