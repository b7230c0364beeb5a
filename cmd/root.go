// Package cmd implements the rotaproxy CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drsoft-oss/rotaproxy/internal/api"
	"github.com/drsoft-oss/rotaproxy/internal/pool"
	"github.com/drsoft-oss/rotaproxy/internal/provider"
	"github.com/drsoft-oss/rotaproxy/internal/refresher"
	"github.com/drsoft-oss/rotaproxy/internal/rotator"
	"github.com/drsoft-oss/rotaproxy/internal/server"
	"github.com/drsoft-oss/rotaproxy/internal/supervisor"
	"github.com/drsoft-oss/rotaproxy/internal/validator"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagListen  string
	flagAPIPort string

	flagFile            string
	flagRotateInterval  string
	flagAutoRefresh     bool
	flagRefreshInterval string
	flagSources         string

	flagNoValidation      bool
	flagValidationTimeout string
	flagTestURL           string

	flagProvider       bool
	flagProviderConfig string

	flagHealthInterval string
	flagEchoURL        string

	flagLogLevel string
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "rotaproxy",
	Short: "Rotating HTTP/HTTPS forward proxy",
	Long: `rotaproxy — a rotating forward proxy for HTTP/HTTPS traffic.

Point your application's HTTP proxy setting at rotaproxy and every request
is relayed through an upstream proxy picked from a managed pool. The
selected upstream changes on a fixed schedule, so the observable exit
identity of a long-lived workload rotates without the client noticing.

The pool is reloaded periodically from free source lists (with optional
reachability validation) or pulled from a paid provider, and a supervisor
probes the listener through itself, rebuilding it after repeated failures.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	// Proxy server
	f.StringVarP(&flagListen, "listen", "l", "127.0.0.1:8888", "Local proxy listen address (host:port)")
	f.StringVar(&flagAPIPort, "api-port", "9090", "Port for the management API server")

	// Pool & rotation
	f.StringVarP(&flagFile, "file", "f", "proxy_list.txt", "Path to proxy list file (one per line)")
	f.StringVarP(&flagRotateInterval, "rotate-interval", "i", "9s", "How often to pick a new current upstream")

	// Refresh
	f.BoolVar(&flagAutoRefresh, "auto-refresh", true, "Periodically reload the pool from sources")
	f.StringVarP(&flagRefreshInterval, "refresh-interval", "u", "5m", "Interval between refresh cycles")
	f.StringVarP(&flagSources, "sources", "s", "proxy_sources.txt", "File with proxy source URLs")

	// Validation
	f.BoolVar(&flagNoValidation, "no-validation", false, "Skip reachability validation of refreshed proxies")
	f.StringVarP(&flagValidationTimeout, "validation-timeout", "t", "5s", "Timeout per validation probe")
	f.StringVar(&flagTestURL, "test-url", "http://httpbin.org/ip", "URL fetched through candidates during validation")

	// Provider
	f.BoolVar(&flagProvider, "provider", false, "Pull upstreams from the configured paid provider instead of free sources")
	f.StringVar(&flagProviderConfig, "provider-config", "provider.toml", "Provider configuration file")

	// Supervisor
	f.StringVar(&flagHealthInterval, "health-interval", "60s", "Interval between health probes of the listener")
	f.StringVar(&flagEchoURL, "echo-url", "http://httpbin.org/ip", "URL fetched through the listener on each health probe")

	f.StringVar(&flagLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	// ---- Logging --------------------------------------------------------
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	log.Logger = log.Level(level)

	// ---- Parse durations ------------------------------------------------
	rotateInterval, err := time.ParseDuration(flagRotateInterval)
	if err != nil {
		return fmt.Errorf("--rotate-interval: %w", err)
	}
	refreshInterval, err := time.ParseDuration(flagRefreshInterval)
	if err != nil {
		return fmt.Errorf("--refresh-interval: %w", err)
	}
	validationTimeout, err := time.ParseDuration(flagValidationTimeout)
	if err != nil {
		return fmt.Errorf("--validation-timeout: %w", err)
	}
	healthInterval, err := time.ParseDuration(flagHealthInterval)
	if err != nil {
		return fmt.Errorf("--health-interval: %w", err)
	}

	// ---- Build pool -----------------------------------------------------
	p := pool.New()
	log.Info().Str("file", flagFile).Msg("loading proxy list")
	count, err := p.LoadFile(flagFile)
	if err != nil {
		return fmt.Errorf("load proxy file: %w", err)
	}
	log.Info().Int("count", count).Msg("proxy list loaded")

	// ---- Refresher ------------------------------------------------------
	refCfg := refresher.Config{
		ProxyFile:   flagFile,
		SourcesFile: flagSources,
		Interval:    refreshInterval,
		Validate:    !flagNoValidation,
		Validation: validator.Config{
			TestURL: flagTestURL,
			Timeout: validationTimeout,
		},
	}
	if flagProvider {
		provCfg, err := provider.LoadConfig(flagProviderConfig)
		if err != nil {
			return err
		}
		refCfg.Provider = provider.New(provCfg)
	}
	ref := refresher.New(p, refCfg)

	// A provider run always begins with a fresh pull; the free-source path
	// pulls immediately only when the local file yielded nothing.
	if flagProvider || (flagAutoRefresh && count == 0) {
		log.Info().Msg("running initial refresh")
		ref.RunOnce(context.Background())
	}

	// ---- Rotator --------------------------------------------------------
	rot := rotator.New(p, rotateInterval)

	// ---- API server -----------------------------------------------------
	apiAddr := "127.0.0.1:" + flagAPIPort
	apiSrv := api.New(apiAddr, p, rot, ref)
	rot.OnRotate = func(cur *pool.Upstream) {
		apiSrv.Publish("rotation", map[string]string{"upstream": cur.String()})
	}
	ref.OnRefresh = func(count int) {
		apiSrv.Publish("refresh", map[string]int{"count": count})
	}

	// The hooks are in place before the periodic tasks start.
	if flagAutoRefresh {
		ref.Start()
		defer ref.Stop()
	}
	rot.Start()
	defer rot.Stop()

	go func() {
		log.Info().Str("addr", apiAddr).Msg("API server listening")
		if err := apiSrv.Start(); err != nil {
			log.Debug().Err(err).Msg("API server stopped")
		}
	}()
	defer apiSrv.Stop()

	// ---- Supervisor + proxy server --------------------------------------
	sup := supervisor.New(supervisor.Config{
		EchoURL:        flagEchoURL,
		HealthInterval: healthInterval,
	}, func() *server.Server {
		return server.New(server.Config{ListenAddr: flagListen}, p)
	})
	if err := sup.Start(); err != nil {
		return err
	}

	printBanner(flagListen, apiAddr, p, rotateInterval)

	// ---- Wait for shutdown ----------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	sup.Stop()
	return nil
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(proxyAddr, apiAddr string, p *pool.Pool, rotateInterval time.Duration) {
	cur := p.Current()
	curStr := "<none>"
	if cur != nil {
		curStr = cur.String()
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                      rotaproxy %s
╠══════════════════════════════════════════════════════════════╣
║  Proxy server : %s
║  API server   : http://%s
║  Pool         : %d upstreams, rotating every %s
║  Current      : %s
╠══════════════════════════════════════════════════════════════╣
║  API endpoints:
║    GET  http://%s/api/current
║    GET  http://%s/api/pool
║    POST http://%s/api/rotate
║    POST http://%s/api/refresh
║    WS   ws://%s/api/events
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 45),
		padRight(proxyAddr, 46),
		padRight(apiAddr, 39),
		p.Len(), rotateInterval,
		padRight(curStr, 46),
		apiAddr, apiAddr, apiAddr, apiAddr, apiAddr,
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
