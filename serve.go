package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"

	"paddlearena/server/internal/auth"
	"paddlearena/server/internal/config"
	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/gateway"
	spectator "paddlearena/server/internal/grpc"
	httpapi "paddlearena/server/internal/http"
	"paddlearena/server/internal/jobs"
	"paddlearena/server/internal/ledger"
	"paddlearena/server/internal/lobby"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/notify"
	"paddlearena/server/internal/replay"
	"paddlearena/server/internal/simulation"
	"paddlearena/server/internal/store"
	"paddlearena/server/internal/tournament"
)

const (
	shutdownTimeout   = 15 * time.Second
	credentialLeeway  = 2 * time.Second
	abandonedSweep    = 5 * time.Second
	limiterPruneEvery = time.Minute
	limiterMaxIdle    = 10 * time.Minute
)

// serve wires every component and blocks until ctx is cancelled or a listener fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return errors.New("ARENA_JWT_SECRET must be set")
	}
	verifier, err := auth.NewVerifier(cfg.Auth.Secret, credentialLeeway)
	if err != nil {
		return err
	}
	authenticator := auth.NewRequestAuthenticator(verifier, cfg.Auth.CookieName)

	//1.- Durable state comes first so restored matches and brackets have somewhere to write.
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	collectors := metrics.New()
	hub := fanout.NewHub(fanout.WithLogger(logger.Named("fanout")))
	registry := match.NewRegistry()

	settings := simulation.DefaultSettings()
	settings.TickRate = cfg.Game.TickRate
	settings.WinningScore = cfg.Game.WinningScore
	settings.ForfeitGrace = cfg.Game.ForfeitGrace
	settings.ServePause = cfg.Game.ServePause
	engine := simulation.NewEngine(registry, hub,
		simulation.WithSettings(settings),
		simulation.WithStore(st),
		simulation.WithLedger(ledger.New(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.Timeout)),
		simulation.WithArchive(replay.NewArchive(cfg.Replay.Dir, replay.WithLogger(logger.Named("replay")))),
		simulation.WithMetrics(collectors),
		simulation.WithLogger(logger.Named("engine")),
	)
	collectors.TrackLiveMatches(registry.Len)

	bus, err := newBus(cfg.Notify, logger.Named("notify"), collectors)
	if err != nil {
		return err
	}
	defer bus.Close()

	sched, err := jobs.New(logger.Named("jobs"))
	if err != nil {
		return err
	}

	//2.- The orchestrator must be the reporter before any restored match can finish.
	orch := tournament.New(tournament.Config{
		PendingWindow: cfg.Tournament.PendingWindow,
		PollInterval:  cfg.Tournament.PollInterval,
	}, st, engine, bus, sched, tournament.WithLogger(logger.Named("tournament")), tournament.WithMetrics(collectors))
	engine.SetReporter(orch)
	if err := orch.Resume(ctx); err != nil {
		logger.Warn("tournament resume incomplete", logging.Error(err))
	}
	games := lobby.New(st, engine, bus, lobby.WithLogger(logger.Named("lobby")))
	limiter := httpapi.NewIPRateLimiter(cfg.RateLimit.HTTPRate, cfg.RateLimit.HTTPBurst, nil)

	if err := scheduleMaintenance(ctx, cfg, sched, games, engine, limiter, logger); err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP, middleware.Recoverer, logging.HTTPTraceMiddleware(logger))
	gateway.New(gateway.Config{
		AllowedOrigins:   cfg.AllowedOrigins,
		PingInterval:     cfg.PingInterval,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		MatchWaitTimeout: cfg.Game.MatchWaitTimeout,
		MatchWaitPoll:    cfg.Game.MatchWaitPoll,
		InputRate:        cfg.RateLimit.InputRate,
		InputBurst:       cfg.RateLimit.InputBurst,
		ConnectRate:      cfg.RateLimit.ConnectRate,
		ConnectBurst:     cfg.RateLimit.ConnectBurst,
	}, authenticator, engine, hub, st, bus, gateway.WithLogger(logger.Named("gateway")), gateway.WithMetrics(collectors)).Routes(router)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:        logger,
		Authenticator: authenticator,
		Lobby:         games,
		Tournaments:   orch,
		Records:       st,
		Live:          registry,
		Database:      st,
		LiveCount:     registry.Len,
		Metrics:       collectors.Handler(),
		RateLimiter:   limiter,
	}).Routes(router)

	server := &http.Server{Addr: cfg.Address, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	failures := make(chan error, 2)
	go func() {
		urls := advertisedEndpoints(cfg.Address, false)
		logger.Info("arena server listening",
			logging.String("api", urls.API),
			logging.String("match_socket", urls.Match),
			logging.String("notification_socket", urls.Notifications),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failures <- fmt.Errorf("http server: %w", err)
		}
	}()

	grpcServer, err := startSpectator(cfg, registry, hub, collectors, logger.Named("spectator"), failures)
	if err != nil {
		_ = server.Close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-failures:
		logger.Error("listener failed", logging.Error(runErr))
	}

	//3.- Stop intake first, then background work, then the matches themselves.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	orch.Shutdown()
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown", logging.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", logging.Error(err))
	}
	return runErr
}

func newBus(cfg config.NotifyConfig, logger *logging.Logger, collectors *metrics.Collectors) (notify.Bus, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		return notify.NewLocalBus(notify.WithLogger(logger), notify.WithMetrics(collectors)), nil
	}
	bus, err := notify.DialNATS(cfg.NATSURL, notify.WithLogger(logger), notify.WithMetrics(collectors))
	if err != nil {
		return nil, fmt.Errorf("connect notification bus: %w", err)
	}
	return bus, nil
}

// scheduleMaintenance registers the recurring background jobs.
func scheduleMaintenance(ctx context.Context, cfg *config.Config, sched *jobs.Scheduler, games *lobby.Service, engine *simulation.Engine, limiter *httpapi.IPRateLimiter, logger *logging.Logger) error {
	if err := sched.Every("invites:expire", cfg.Tournament.InviteSweepInterval, func() {
		if n, err := games.ExpireStale(ctx, cfg.Tournament.InviteTTL); err != nil {
			logger.Warn("invite expiry failed", logging.Error(err))
		} else if n > 0 {
			logger.Info("expired stale invites", logging.Int("count", n))
		}
	}); err != nil {
		return err
	}
	if err := sched.Every("matches:abandoned", abandonedSweep, func() {
		if n := engine.RetryPending(ctx); n > 0 {
			logger.Info("persisted pending match results", logging.Int("count", n))
		}
		if n := engine.SweepAbandoned(ctx); n > 0 {
			logger.Info("ended abandoned matches", logging.Int("count", n))
		}
	}); err != nil {
		return err
	}
	if err := sched.Every("ratelimit:prune", limiterPruneEvery, func() {
		limiter.Prune(limiterMaxIdle)
	}); err != nil {
		return err
	}
	if cfg.Replay.Dir != "" {
		cleaner := replay.NewCleaner(cfg.Replay.Dir, replay.RetentionPolicy{
			MaxMatches: cfg.Replay.MaxMatches,
			MaxAge:     cfg.Replay.MaxAge,
		}, logger)
		if err := sched.Every("replay:retention", cfg.Replay.SweepInterval, cleaner.RunOnce); err != nil {
			return err
		}
	}
	return nil
}

// startSpectator serves the gRPC spectator stream when an address is configured.
func startSpectator(cfg *config.Config, registry *match.Registry, hub *fanout.Hub, collectors *metrics.Collectors, logger *logging.Logger, failures chan<- error) (*grpc.Server, error) {
	if strings.TrimSpace(cfg.GRPC.Address) == "" {
		return nil, nil
	}
	opts, err := spectator.ServerOptions(cfg.GRPC, logger)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", cfg.GRPC.Address)
	if err != nil {
		return nil, fmt.Errorf("listen spectator: %w", err)
	}
	server := grpc.NewServer(opts...)
	spectator.Register(server, spectator.NewService(
		spectator.NewHubFeed(registry, hub),
		spectator.WithRate(cfg.GRPC.StreamRateHz),
		spectator.WithLogger(logger),
		spectator.WithMetrics(collectors),
	))
	go func() {
		logger.Info("spectator stream listening", logging.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			failures <- fmt.Errorf("spectator server: %w", err)
		}
	}()
	return server, nil
}
