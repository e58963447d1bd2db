package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signal-gateway",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"store_backend", cfg.StoreBackend,
		"poll_timeout", cfg.PollTimeout,
		"max_poll_timeout", cfg.MaxPollTimeout,
		"max_event_age", cfg.MaxEventAge,
		"max_event_bytes", cfg.MaxEventBytes,
		"max_events_per_second", cfg.MaxEventsPerSecond,
		"strict_signaling", cfg.StrictSignaling,
		"max_sessions", cfg.MaxSessions,
		"relay_enabled", cfg.Relay.Enabled,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /webrtc/ice and /readyz will report it", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, ln); err != nil {
		logger.Error("gateway exited", "err", err)
		stop()
		os.Exit(1)
	}
}

// run serves on ln until ctx is done or a component fails, then shuts down
// gracefully within cfg.ShutdownTimeout.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	// Serve closes ln on shutdown; this covers the early returns.
	defer ln.Close()

	m := metrics.New()

	store, err := newBackend(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("configure store: %w", err)
	}
	defer store.Close()

	dispatcher := mailbox.NewDispatcher(mailbox.Config{
		Accumulator:   store.accumulator,
		Notifier:      store.notifier,
		Logger:        logger,
		Observer:      m,
		PollTimeout:   cfg.PollTimeout,
		SweepInterval: cfg.SweepInterval,
	})

	authz, err := auth.NewAuthorizer(cfg)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	limiter := ratelimit.NewKeyed(ratelimit.KeyedConfig{
		PerSecond: cfg.MaxEventsPerSecond,
		OnEvict:   func() { m.Inc(metrics.RateLimiterEvicted) },
	})

	sig, err := signaling.New(signaling.Config{
		Dispatcher:      dispatcher,
		Sessions:        store.sessions,
		Authorizer:      authz,
		Limiter:         limiter,
		Metrics:         m,
		Logger:          logger,
		MaxEventBytes:   cfg.MaxEventBytes,
		MaxPollTimeout:  cfg.MaxPollTimeout,
		StrictSignaling: cfg.StrictSignaling,
		ReapInterval:    cfg.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("configure signaling: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	for name, check := range store.checks {
		srv.AddReadinessCheck(name, check)
	}
	sig.RegisterRoutes(srv.Mux())

	if cfg.TURNREST.Enabled() {
		turn, err := turncred.New(turncred.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
			URLs:           cfg.TURNREST.URLs,
		})
		if err != nil {
			return fmt.Errorf("configure turn credentials: %w", err)
		}
		srv.SetTURNCredentials(turn)
	}

	var hub *relay.Hub
	if cfg.Relay.Enabled {
		hub = relay.NewHub(relay.Config{
			MaxPeers:             cfg.Relay.MaxPeers,
			MaxMessageBytes:      cfg.Relay.MaxMessageBytes,
			MaxMessagesPerSecond: cfg.Relay.MaxMessagesPerSecond,
			SendQueueBytes:       cfg.Relay.SendQueueBytes,
			PingInterval:         cfg.Relay.PingInterval,
			IdleTimeout:          cfg.Relay.IdleTimeout,
		}, relay.HubOptions{
			AllowedOrigins: cfg.AllowedOrigins,
			Authorizer:     authz,
			Metrics:        m,
			Logger:         logger,
		})
		srv.Mux().Handle("GET /relay", hub)
	}

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	logger.Info("listening", "addr", ln.Addr().String(), "node_id", store.nodeID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return sig.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		// Release suspended polls first so Shutdown doesn't wait out their
		// deadlines, and drop relay peers since hijacked connections are not
		// tracked by the HTTP server.
		dispatcher.Close()
		if hub != nil {
			hub.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
			_ = srv.Close()
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
