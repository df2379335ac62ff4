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

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/maintenance"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/signaling"
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

	logger.Info("starting aero-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"trust_proxy_headers", cfg.TrustProxyHeaders,
		"max_sessions", cfg.MaxSessions,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"stale_peer_timeout", cfg.StalePeerTimeout,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	if err := run(logger, cfg, ln); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config, ln net.Listener) error {
	m := metrics.New()
	reg := registry.New()
	manager := lifecycle.New(lifecycle.Config{
		Registry:    reg,
		Logger:      logger,
		Metrics:     m,
		MaxSessions: cfg.MaxSessions,
	})
	sig := signaling.NewServer(signaling.Config{
		Manager:              manager,
		Logger:               logger,
		Metrics:              m,
		Origin:               origin.NewPolicy(cfg.AllowedOrigins),
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		WriteTimeout:         cfg.WSWriteTimeout,
		SendQueueFrames:      cfg.SendQueueFrames,
	})
	maint := maintenance.New(maintenance.Config{
		Registry:         reg,
		Logger:           logger,
		Metrics:          m,
		StatsInterval:    cfg.StatsInterval,
		StalePeerTimeout: cfg.StalePeerTimeout,
		SweepInterval:    cfg.SweepInterval,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Routes{
		Signaling: sig,
		Metrics:   metrics.PrometheusHandler(m, reg.Len),
		Stats:     maint.Stats,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return maint.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := sig.Shutdown(shutdownCtx); err != nil {
			logger.Warn("signaling sessions did not close before shutdown timeout",
				"err", err,
				"remaining_sessions", reg.Len(),
			)
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; fall back to VCS stamps for `go run` / dev builds.
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
