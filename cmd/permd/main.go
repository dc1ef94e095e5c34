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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/changerplanet/webwaka-core-permissions/internal/app"
	"github.com/changerplanet/webwaka-core-permissions/internal/platform/db"
	"github.com/changerplanet/webwaka-core-permissions/internal/rbac"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	var (
		roles       rbac.RoleRepository
		assignments rbac.AssignmentRepository
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			logger.Error("connect database", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		repo := rbac.NewRepository(pool)
		roles, assignments = repo, repo
	default:
		store := rbac.NewMemoryStore()
		roles, assignments = store, store
	}

	var bus *rbac.InvalidationBus
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping", slog.Any("error", err))
			os.Exit(1)
		}
		bus = rbac.NewInvalidationBus(redisClient, cfg.InvalidationChannel, logger)
	}

	engine := rbac.NewEngine()
	service := rbac.NewService(roles, assignments, engine, bus, logger)

	// Warm the index from canonical storage before serving queries.
	if err := service.ResyncAll(ctx); err != nil {
		logger.Error("warm index", slog.Any("error", err))
		os.Exit(1)
	}

	guard := rbac.Middleware{Service: service, Logger: logger, Enabled: cfg.GuardEnabled}
	handler := rbac.NewHandler(logger, service, guard)

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      app.NewRouter(app.RouterParams{Logger: logger, Config: cfg, RBACHandler: handler}),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("permissions service listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if bus != nil {
		group.Go(func() error {
			err := bus.Subscribe(groupCtx, service.Resync)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("permissions service stopped")
}
