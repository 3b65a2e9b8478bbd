package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"autopilot-core/internal/api"
	"autopilot-core/internal/bus"
	"autopilot-core/internal/cache"
	"autopilot-core/internal/config"
	"autopilot-core/internal/policy"
	"autopilot-core/internal/queue"
	"autopilot-core/internal/ratelimit"
	"autopilot-core/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	var c cache.Cache
	if cfg.RedisEnabled {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, running on postgres only", zap.Error(err))
		} else {
			c = redisCache
		}
	}

	budgets := ratelimit.NewTracker(c, st, logger)
	engine := policy.NewEngine(st, budgets, logger)
	jobs := queue.New(st, logger, queue.Options{
		DefaultMaxAttempts: cfg.MaxAttempts,
		StuckJobAge:        cfg.StuckJobAge,
	})
	events := bus.New(st, logger, bus.Options{
		DefaultMaxAttempts: cfg.MaxAttempts,
		StuckEventAge:      cfg.StuckJobAge,
	})

	server := api.New(jobs, events, engine, budgets, nil, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.Bool("redis", c != nil))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
