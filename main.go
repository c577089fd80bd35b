// Flowmatic is a multi-tenant workflow automation platform: a declarative
// workflow engine with trigger dispatch, per-node handlers, semantic AI
// caching, and organization-level permission and quota enforcement.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowmatic.io/aicache"
	"flowmatic.io/analytics"
	"flowmatic.io/api"
	"flowmatic.io/audit"
	"flowmatic.io/auth"
	"flowmatic.io/common"
	"flowmatic.io/config"
	"flowmatic.io/connector"
	"flowmatic.io/db"
	"flowmatic.io/dispatch"
	"flowmatic.io/documents"
	"flowmatic.io/engine"
	"flowmatic.io/handler"
	"flowmatic.io/metering"
	"flowmatic.io/notify"
	"flowmatic.io/queue"
	"flowmatic.io/tenancy"
	"flowmatic.io/version"
	"flowmatic.io/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	common.ConfigureLogger(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := common.Logger

	build := version.Get()
	logger.WithField("version", build.Version).WithField("go", build.GoVersion).
		Info("starting flowmatic")

	// Stores
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}

	var models []interface{}
	models = append(models, auth.Models()...)
	models = append(models, tenancy.Models()...)
	models = append(models, metering.Models()...)
	models = append(models, workflow.Models()...)
	models = append(models, engine.Models()...)
	models = append(models, connector.Models()...)
	models = append(models, documents.Models()...)
	models = append(models, &audit.Entry{})
	if err := db.Migrate(gdb, models...); err != nil {
		logger.WithError(err).Fatal("database migration failed")
	}

	redisClient, err := db.NewRedis(cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("redis connection failed")
	}
	defer redisClient.Close()

	auditStore := audit.NewStore(gdb)
	tenants := tenancy.NewStore(gdb)
	workflows := workflow.NewStore(gdb)

	notifier := notify.NewHTTPNotifier(cfg.Notify.URL, cfg.Notify.APIKey, cfg.Notify.Timeout)
	meter := metering.NewMeter(gdb, metering.DefaultPricing, notify.NewQuotaAlerter(notifier), logger)

	authService := auth.NewService(gdb, auditStore, auth.Config{
		JWTSecret:              cfg.Auth.JWTSecret,
		JWTExpiration:          cfg.Auth.JWTExpiration,
		RefreshTokenExpiration: cfg.Auth.RefreshTokenExpiration,
		MaxFailedAttempts:      cfg.Auth.MaxFailedAttempts,
		LockoutDuration:        cfg.Auth.LockoutDuration,
	})

	connections := connector.NewStore(gdb, cfg.Auth.EncryptionKey, auditStore)

	// Engine
	engineStore := engine.NewStore(gdb, workflows)
	promptCache := aicache.New(redisClient, cfg.Cache.TTL)

	registry := handler.NewRegistry()
	handler.Builtin(registry,
		handler.NewAIHandler(
			handler.NewHTTPAIClient(cfg.AI.URL, cfg.AI.APIKey, cfg.AI.Timeout),
			promptCache, engineStore, cfg.AI.DefaultModel),
		handler.NewConnectorHandler(
			handler.NewHTTPConnectorClient(cfg.Connector.URL, cfg.Connector.Timeout),
			connections),
		handler.NewEmailHandler(notifier),
		30*time.Second, 30*time.Second)

	runner := engine.NewRunner(engineStore, workflows, registry, logger, cfg.Engine.FanOut)

	overflow, err := engine.OpenOverflow(cfg.Engine.OverflowPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to open overflow buffer")
	}
	defer overflow.Close()

	scheduler := engine.NewScheduler(engineStore, workflows, runner, overflow, logger, engine.SchedulerConfig{
		Workers:          cfg.Engine.Workers,
		QueueSize:        cfg.Engine.QueueSize,
		MaxRetries:       cfg.Engine.MaxRetries,
		ExecutionTimeout: cfg.Engine.ExecutionTimeout,
		LeaseWindow:      cfg.Engine.LeaseWindow,
		RetryBackoffBase: cfg.Engine.RetryBackoffBase,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Dispatch
	var publisher queue.Publisher
	if cfg.Queue.RabbitMQURL != "" {
		publisher, err = queue.NewRabbitMQPublisher(cfg.Queue.RabbitMQURL, cfg.Queue.QueueName)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to broker")
		}
		defer publisher.Close()
	}
	dispatcher := dispatch.NewDispatcher(scheduler, workflows, auditStore, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := dispatch.NewScanner(workflows, dispatcher, logger, time.Minute)
	go scanner.Run(ctx)

	bus := dispatch.NewBus(dispatcher, logger, 128)
	bus.Start(ctx)
	defer bus.Stop()

	// Periodic maintenance: quota resets, log retention, version GC.
	go maintenanceLoop(ctx, cfg, meter, auditStore, engineStore, workflows)

	// Documents
	objectStore, err := documents.NewS3ObjectStore(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize object store")
	}
	documentService := documents.NewService(gdb, objectStore)

	server := api.NewServer(cfg.Server, logger, api.Deps{
		Auth:       authService,
		Tenants:    tenants,
		Meter:      meter,
		Workflows:  workflows,
		Executions: engineStore,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Documents:  documentService,
		Analytics:  analytics.NewService(gdb),
		Connectors: connections,
		Audit:      auditStore,
	})

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("server error")
	}
}

// maintenanceLoop runs the periodic jobs: quota period resets, retention
// sweeps, version GC, and auto-pausing of failing workflows.
func maintenanceLoop(ctx context.Context, cfg *config.Config, meter *metering.Meter, audits *audit.Store, executions *engine.Store, workflows *workflow.Store) {
	quotaTicker := time.NewTicker(cfg.Metering.ResetInterval)
	sweepTicker := time.NewTicker(time.Hour)
	defer quotaTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-quotaTicker.C:
			if _, err := meter.ResetElapsed(ctx); err != nil {
				common.Logger.WithError(err).Error("quota reset failed")
			}
		case <-sweepTicker.C:
			if _, err := executions.SweepLogs(cfg.Retention.ExecutionLogs); err != nil {
				common.Logger.WithError(err).Error("execution log sweep failed")
			}
			if _, err := audits.Sweep(cfg.Retention.AuditLogs); err != nil {
				common.Logger.WithError(err).Error("audit log sweep failed")
			}
			if _, err := workflows.SweepVersions(cfg.Retention.KeepVersions); err != nil {
				common.Logger.WithError(err).Error("version sweep failed")
			}
			if paused, err := workflows.AutoPauseFailing(10, 0.8); err != nil {
				common.Logger.WithError(err).Error("auto-pause scan failed")
			} else if len(paused) > 0 {
				common.Logger.WithField("count", len(paused)).Warn("auto-paused failing workflows")
			}
		}
	}
}
