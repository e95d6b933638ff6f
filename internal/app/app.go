// Package app wires the Arcadia chat server runtime: config, logging, HTTP
// routes, and the realtime gateway with its collaborators.
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"arcadia/internal/auth"
	"arcadia/internal/realtime"
	"arcadia/internal/social"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// App is the Arcadia chat server runtime: it owns HTTP wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	promReg *prometheus.Registry

	ws *realtime.WSGateway

	msgStore realtime.MessageStore

	// cancel stops background sweepers (typing TTL, token cache).
	cancel context.CancelFunc
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	bg, cancel := context.WithCancel(context.Background())

	var (
		dbPool    *pgxpool.Pool
		dbEnabled bool

		msgStore    realtime.MessageStore
		socialStore social.Store
		verifier    auth.Verifier
	)

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_stores")

		msgStore = realtime.NewInMemoryStore()
		socialStore = social.NewInMemoryStore()
		verifier = auth.NewStaticVerifier(auth.ParseStaticTokens(cfg.AuthStaticTokens))
	} else {
		pool, err := NewDBPool(bg, cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		dbPool = pool
		dbEnabled = true
		log.Info("db.enabled.postgres_stores")

		// Ownership model: app owns the pool lifecycle; the stores' Close
		// methods are no-ops.
		ms, err := realtime.NewPostgresStore(pool)
		if err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
		msgStore = ms

		ss, err := social.NewPostgresStore(pool)
		if err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
		socialStore = ss

		av, err := auth.NewPostgresVerifier(bg, pool)
		if err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
		verifier = av
	}

	promReg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(promReg)

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(log)
	typing := realtime.NewTypingTracker(bg, cfg.TypingTTL)

	presence := realtime.NewNotifier(log, registry, socialStore, metrics)
	presence.OfflineOnLastOnly = cfg.PresenceOfflineOnLastOnly

	dispatch := realtime.NewDispatcher(log, registry, socialStore, msgStore, typing, metrics)

	ws, err := realtime.NewWSGateway(log, realtime.WSGatewayDeps{
		Registry: registry,
		Hub:      hub,
		Dispatch: dispatch,
		Presence: presence,
		Verifier: verifier,
		Metrics:  metrics,
	})
	if err != nil {
		cancel()
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		promReg:   promReg,
		ws:        ws,
		msgStore:  msgStore,
		cancel:    cancel,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.promReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	a.cancel()
	if a.msgStore != nil {
		_ = a.msgStore.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
