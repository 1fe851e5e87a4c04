package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bankledger/internal/analytics"
	"github.com/punchamoorthee/bankledger/internal/api"
	"github.com/punchamoorthee/bankledger/internal/cache"
	"github.com/punchamoorthee/bankledger/internal/config"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/events"
	"github.com/punchamoorthee/bankledger/internal/service"
	"github.com/punchamoorthee/bankledger/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, save, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithLockTimeout(cfg.LockTimeout),
		service.WithPolicy(service.Policy{
			MaxAmount:           cfg.MaxAmount,
			DailyOutflowLimit:   cfg.DailyOutflowLimit,
			MonthlyOutflowLimit: cfg.MonthlyOutflowLimit,
		}),
	}

	var caches api.Caches
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts = append(opts, service.WithNotifier(events.NewPublisher(rdb.Client, cfg.RedisStream)))
		if cfg.ReportCacheTTL > 0 {
			caches.Reports = cache.NewViewCache[analytics.Report](rdb.Client, "ledger:report:", cfg.ReportCacheTTL, logger)
			caches.Stats = cache.NewViewCache[analytics.SystemStats](rdb.Client, "ledger:stats:", cfg.ReportCacheTTL, logger)
		}
		logger.Info("redis connected", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	}

	engine := service.NewEngine(ledger, opts...)
	if _, err := engine.EnsureAdmin(ctx, cfg.BootstrapAdmin, "Administrator"); err != nil {
		return err
	}

	auth := api.NewAuthenticator(cfg.JWTSecret, 0)
	if cfg.IsDevelopment() {
		token, err := auth.IssueToken(cfg.BootstrapAdmin, domain.RoleAdmin)
		if err != nil {
			return err
		}
		logger.Info("development admin token", "user_id", cfg.BootstrapAdmin, "token", token)
	}

	r := mux.NewRouter()
	api.NewHandler(engine, auth, caches, logger).Routes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "env", cfg.Env, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if save != nil {
		if err := save(shutdownCtx); err != nil {
			return err
		}
	}
	logger.Info("server exited")
	return nil
}

// openStore returns PostgreSQL when DB_SOURCE is set and the in-memory store
// otherwise. For the memory store, save persists a snapshot when
// SNAPSHOT_PATH is set.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(context.Context) error, error) {
	if cfg.DBSource != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx, pg.Pool()); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store")
		return pg, nil, nil
	}

	if cfg.SnapshotPath == "" {
		logger.Warn("using in-memory store without snapshots; state is lost on exit")
		return store.NewMemoryStore(), nil, nil
	}
	mem, err := store.OpenMemoryStore(cfg.SnapshotPath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using in-memory store", "snapshot", cfg.SnapshotPath)
	save := func(ctx context.Context) error {
		if err := mem.Save(ctx, cfg.SnapshotPath); err != nil {
			return err
		}
		logger.Info("snapshot saved", "path", cfg.SnapshotPath)
		return nil
	}
	return mem, save, nil
}
