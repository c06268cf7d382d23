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

	"github.com/SherClockHolmes/webpush-go"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"waterlevel-backend/config"
	"waterlevel-backend/internal/alert"
	"waterlevel-backend/internal/api"
	"waterlevel-backend/internal/db"
	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/registry"
)

func main() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}),
	))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", configPath)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		slog.Error("initialize database", "error", err)
		os.Exit(1)
	}
	slog.Info("database initialized", "driver", cfg.Database.Driver)

	// Redis is the production state store; without an address the server
	// falls back to the in-process store, which is fine for a single
	// instance and for local development.
	var state devstate.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		state = devstate.NewRedisStore(rdb)
		slog.Info("device state store initialized", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		state = devstate.NewMemoryStore()
		slog.Warn("device state store initialized", "backend", "memory")
	}

	reg := registry.New(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Alerts.Enabled {
		if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
			slog.Error("alerts enabled but VAPID keys are not configured")
			os.Exit(1)
		}
		pool := alert.NewWorkerPool(cfg.Alerts.WorkerPoolSize, gormDB, &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		})
		pool.Start(ctx)
		evaluator := alert.NewEvaluator(reg, state, pool, cfg.Alerts.Interval)
		go evaluator.Run(ctx)
		slog.Info("alert evaluator started", "interval", cfg.Alerts.Interval, "workers", cfg.Alerts.WorkerPoolSize)
	}

	router := api.NewRouter(reg, state, cfg)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server gracefully stopped")
}
