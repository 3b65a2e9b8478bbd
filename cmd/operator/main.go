package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"autopilot-core/internal/bus"
	"autopilot-core/internal/cache"
	"autopilot-core/internal/config"
	"autopilot-core/internal/handlers"
	"autopilot-core/internal/lock"
	"autopilot-core/internal/operator"
	"autopilot-core/internal/policy"
	"autopilot-core/internal/queue"
	"autopilot-core/internal/ratelimit"
	"autopilot-core/internal/retention"
	"autopilot-core/internal/store"
	"autopilot-core/internal/telemetry"
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

	locks := lock.NewManager(c, st, logger)
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

	registerHandlers(cfg, logger, jobs, events, engine, locks)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	runtime := operator.NewRuntime(locks, engine, jobs, events, st, logger, operator.Options{
		WorkerID:   workerID,
		Interval:   cfg.OperatorInterval,
		LockTTL:    cfg.OperatorLockTTL,
		DrainBatch: cfg.DrainBatchSize,
	})

	var archiver retention.Archiver
	if cfg.ArchiveS3Bucket != "" {
		s3Archiver, err := retention.NewS3Archiver(ctx, cfg.ArchiveS3Region, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			logger.Fatal("init s3 archiver", zap.Error(err))
		}
		archiver = s3Archiver
	}
	sweeper := retention.NewSweeper(st, archiver, cfg.RetentionWindow, logger)
	go sweeper.Run(ctx, cfg.RetentionInterval)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	runtime.Start(ctx)
	logger.Info("operator started",
		zap.String("worker_id", workerID),
		zap.Duration("interval", cfg.OperatorInterval),
		zap.Bool("redis", c != nil))

	<-ctx.Done()
	runtime.Stop()
	logger.Info("operator stopped")
}

func registerHandlers(cfg config.Config, logger *zap.Logger, jobs *queue.Queue, events *bus.Bus, engine *policy.Engine, locks *lock.Manager) {
	must := func(err error) {
		if err != nil {
			logger.Fatal("register handler", zap.Error(err))
		}
	}

	must(jobs.Register(handlers.TypeProvision, &handlers.ProvisionHandler{Engine: engine, Logger: logger}))
	must(jobs.Register(handlers.TypeBillingReconcile, &handlers.BillingReconcileHandler{Engine: engine, Jobs: jobs, Logger: logger}))
	must(jobs.Register(handlers.TypePayout, &handlers.PayoutHandler{
		Engine:  engine,
		Locks:   locks,
		Gateway: &handlers.LogPayoutGateway{Logger: logger},
		Logger:  logger,
	}))
	must(jobs.Register(handlers.TypeCoachingFollowup, &handlers.CoachingFollowupHandler{
		Engine:    engine,
		Completer: &handlers.StaticCompleter{},
		Messenger: &handlers.LogMessenger{Logger: logger},
		Logger:    logger,
	}))
	must(jobs.Register(handlers.TypeHealthCheck, &handlers.HealthCheckHandler{Engine: engine, Logger: logger}))

	var notifier handlers.Notifier = &handlers.LogNotifier{Logger: logger}
	if cfg.WebhookBaseURL != "" {
		notifier = handlers.NewWebhookNotifier(cfg.WebhookBaseURL, nil)
	}
	must(events.Register(handlers.TypeWebhookCheck, &handlers.WebhookProcessor{Notifier: notifier, Logger: logger}))
	must(events.Register(handlers.TypeWebhookCheck, &handlers.AlertProcessor{
		Messenger: &handlers.LogMessenger{Logger: logger},
		Logger:    logger,
	}))
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
