package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bankroll/settlement-engine/internal/config"
	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/outbox"
	"github.com/bankroll/settlement-engine/internal/pool"
	"github.com/bankroll/settlement-engine/internal/settle"
	"github.com/bankroll/settlement-engine/internal/store"
	"github.com/bankroll/settlement-engine/internal/withdraw"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("settlement-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		p, err := pool.Open(ctx, pool.PgxOpener(cfg.DatabaseURL),
			pool.WithMaxRetries(cfg.MaxDeadlockRetries),
			pool.WithBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
			pool.WithLogger(slog.Default()),
		)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer p.Close()

		pg := store.NewPostgresStore(p)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Balance notifications ---
	hub := outbox.NewHub()
	pubs := []outbox.Publisher{hub}
	if rdb != nil {
		pubs = append(pubs, outbox.NewRedisPublisher(rdb))
	}
	relay := outbox.NewRelay(st, cfg.OutboxInterval, pubs...)

	// --- Withdrawals ---
	var (
		proc   *withdraw.Processor
		poller *withdraw.Poller
	)
	if cfg.WithdrawSenderURL != "" {
		sender := withdraw.NewHTTPSender(cfg.WithdrawSenderURL, &http.Client{Timeout: 30 * time.Second})
		proc = withdraw.NewProcessor(st, sender)
		poller = withdraw.NewPoller(proc, st, cfg.WithdrawPollInterval, cfg.WithdrawStaleAfter)
	} else {
		slog.Warn("WITHDRAW_SENDER_URL not set, withdrawals stay queued")
	}

	svc := settle.NewService(st, relay, proc, cfg.MaxShift)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Balance-change feed.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second, // a withdrawal send may wait on the gateway
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	if poller != nil {
		if err := poller.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down settlement-engine...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		if poller != nil {
			if err := poller.Stop(sctx); err != nil {
				slog.Error("withdrawal poller stop", "err", err)
			}
		}
		// Deliver what the last requests committed.
		if _, err := relay.Flush(sctx); err != nil {
			slog.Warn("final outbox flush", "err", err)
		}
		return nil
	})

	return g.Wait()
}
