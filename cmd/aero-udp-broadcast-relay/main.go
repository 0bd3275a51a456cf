package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"

	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/events"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/relay"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errRelayNotServing = errors.New("relay is not serving")

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

	logger.Info("starting aero-udp-broadcast-relay",
		"listen_addr", cfg.ListenAddr,
		"expiration", cfg.Expiration,
		"recv_buffer_bytes", cfg.RecvBufferBytes,
		"eviction_sweep_interval", cfg.EvictionSweepInterval,
		"admin_listen_addr", cfg.AdminListenAddr,
		"mode", cfg.Mode,
	)

	logStartupSecurityWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	nw, err := stdnet.NewNet()
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}
	conn, err := nw.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.ListenAddr, err)
	}
	defer conn.Close()
	logger.Info("relay_listening", "addr", conn.LocalAddr().String())

	m := metrics.New()
	hub := events.NewHub(cfg.EventsQueueBytes, m, logger)
	monitor := events.NewMonitor(hub)

	r := relay.New(conn, relay.Config{
		Expiration:         cfg.Expiration,
		RecvBufferBytes:    cfg.RecvBufferBytes,
		SweepInterval:      cfg.EvictionSweepInterval,
		FanoutLogPerSecond: cfg.FanoutLogPerSecond,
		Logger:             logger,
		Observer:           monitor,
		Metrics:            m,
	})

	var admin *httpserver.Server
	var adminLn net.Listener
	var serving atomic.Bool
	if cfg.AdminEnabled() {
		adminLn, err = net.Listen("tcp", cfg.AdminListenAddr)
		if err != nil {
			return fmt.Errorf("admin listen %s: %w", cfg.AdminListenAddr, err)
		}

		commit, built := resolveBuildInfo(buildCommit, buildTime)
		admin = httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
		admin.SetReadinessCheck(func() error {
			if !serving.Load() {
				return errRelayNotServing
			}
			return nil
		})
		registerAdminRoutes(admin, cfg, hub, monitor, m, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		serving.Store(true)
		defer serving.Store(false)
		return r.Serve(gctx)
	})

	if admin != nil {
		g.Go(func() error {
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := admin.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin server shutdown failed", "err", err)
				_ = admin.Close()
			}
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}
	return err
}

func registerAdminRoutes(srv *httpserver.Server, cfg config.Config, hub *events.Hub, monitor *events.Monitor, m *metrics.Metrics, logger *slog.Logger) {
	var verifier auth.Verifier
	if cfg.AdminToken != "" {
		verifier = auth.TokenVerifier{Expected: cfg.AdminToken}
	}
	guard := func(h http.Handler) http.Handler {
		return auth.Require(verifier, logger, h)
	}

	mux := srv.Mux()
	peersHandler := srv.WithOriginPolicy(guard(monitor.PeersHandler()))
	mux.Handle("GET /peers", peersHandler)
	mux.Handle("OPTIONS /peers", peersHandler)
	mux.Handle("GET /metrics", guard(metrics.PrometheusHandler(m,
		metrics.Gauge{
			Name:  "peers",
			Help:  "Peers currently registered with the relay.",
			Value: func() float64 { return float64(monitor.Len()) },
		},
		metrics.Gauge{
			Name:  "events_subscribers",
			Help:  "Open /events subscriptions.",
			Value: func() float64 { return float64(hub.Subscribers()) },
		},
	)))
	mux.Handle("GET /events", guard(events.NewHandler(hub, events.HandlerConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		PingInterval:   cfg.EventsWSPingInterval,
		IdleTimeout:    cfg.EventsWSIdleTimeout,
	}, m, logger)))
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
