package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rawblock/infinity-storm/internal/api"
	"github.com/rawblock/infinity-storm/internal/audit"
	"github.com/rawblock/infinity-storm/internal/cache"
	"github.com/rawblock/infinity-storm/internal/cascade"
	"github.com/rawblock/infinity-storm/internal/config"
	"github.com/rawblock/infinity-storm/internal/db"
	"github.com/rawblock/infinity-storm/internal/game/engine"
	"github.com/rawblock/infinity-storm/internal/game/symbols"
	"github.com/rawblock/infinity-storm/internal/pkg/logger"
	"github.com/rawblock/infinity-storm/internal/session"
	"github.com/rawblock/infinity-storm/internal/wallet"
)

func main() {
	// .env is a local development convenience: cp .env.example .env and
	// edit. Absence is not an error.
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	log.Info().Str("port", cfg.Port).Msg("starting infinity-storm game server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets degrade explicitly, never silently: a missing JWT secret
	// gets an ephemeral one (sessions die with the process), a missing
	// admin token disables the admin surface outright.
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = randomHex(32)
		log.Warn().Msg("JWT_SECRET not set; using an ephemeral secret, tokens will not survive restarts")
	}
	if cfg.AdminAPIToken == "" {
		log.Warn().Msg("ADMIN_API_TOKEN not set; admin endpoints are disabled")
	}

	store := openStore(ctx, cfg, log)
	defer store.Close()

	eng := engine.New(symbols.Default(), engine.Config{
		MaxCascadeDepth:   cfg.MaxCascadeDepth,
		MaxWinCapMultiple: cfg.MaxWinCapMultiple,
		Timing:            engine.DefaultTiming,
		QuickTiming:       engine.QuickTiming,
	})

	wal := wallet.New(store, log)
	sessions := session.NewManager(store, wal, eng, log,
		session.WithIdleTimeout(cfg.SessionIdleTimeout))

	syncer := cascade.NewSynchronizer(cascade.SyncConfig{
		AckTimeout:        cfg.AckTimeout,
		MaxRetries:        cfg.MaxRetryAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)

	validator := cascade.NewValidator(cascade.ValidatorConfig{
		TimingToleranceMs: cfg.SyncTolerance.Milliseconds(),
	})

	spinCache, err := cache.NewSpinCache(log)
	if err != nil {
		log.Fatal().Err(err).Msg("spin cache init failed")
	}
	defer spinCache.Close()

	srv := api.NewServer(api.Deps{
		Cfg:       cfg,
		Log:       log,
		Store:     store,
		Wallet:    wal,
		Sessions:  sessions,
		Sync:      syncer,
		Validator: validator,
		Cache:     spinCache,
		Auditor:   audit.NewVerifier(store, log),
	})

	go sessions.Run(ctx)
	go srv.Hub().Run(ctx)
	go sweepSyncSessions(ctx, syncer, cfg)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	log.Info().Str("addr", httpSrv.Addr).Msg("server listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown incomplete")
	}
	log.Info().Msg("server stopped")
}

// openStore connects to PostgreSQL when DATABASE_URL is set; otherwise
// it falls back to the in-memory demo store so the server can run
// without infrastructure. Demo balances do not survive restarts.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) db.Store {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; running with in-memory demo wallet")
		mem := db.NewMemory()
		if err := mem.SeedDemoPlayers(ctx); err != nil {
			log.Fatal().Err(err).Msg("demo player seeding failed")
		}
		return mem
	}

	store, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}
	return store
}

// sweepSyncSessions periodically fails cascade sync sessions that have
// gone quiet. Player sessions have their own sweeper inside the manager;
// sync sessions can outlive a socket and need a second pass.
func sweepSyncSessions(ctx context.Context, syncer *cascade.Synchronizer, cfg *config.Config) {
	ticker := time.NewTicker(cfg.SessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncer.SweepIdle(cfg.SessionIdleTimeout)
		}
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
