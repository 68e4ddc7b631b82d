// Package reconciled runs the payment reconciliation daemon: per-network escrow
// watchers feed a shared normalise/store/apply pipeline, a sweeper re-drives
// anything left behind, and an HTTP surface exposes health, intake webhooks and
// the operator API.
package reconciled

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chainsettle/observability"
	"chainsettle/observability/logging"
	telemetry "chainsettle/observability/otel"
	"chainsettle/services/reconciled/chain"
	"chainsettle/services/reconciled/eventstore"
	"chainsettle/services/reconciled/models"
	"chainsettle/services/reconciled/normalizer"
	"chainsettle/services/reconciled/notifier"
	"chainsettle/services/reconciled/offramp"
	"chainsettle/services/reconciled/pipeline"
	"chainsettle/services/reconciled/reference"
	"chainsettle/services/reconciled/registry"
	"chainsettle/services/reconciled/settlement"
	"chainsettle/services/reconciled/sweeper"
	"chainsettle/services/reconciled/watcher"
)

// Main initialises and runs the reconciliation daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/reconciled/config.yaml", "path to reconciled configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(os.Getenv("RECONCILED_LOG_LEVEL")))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileConfig{Path: cfg.Log.File}))
	}
	logger := logging.Setup("reconciled", cfg.Env, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("reconciled", cfg.Env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	metrics := observability.Reconciled()
	events := eventstore.New(db)
	warnUnknownNetworks(context.Background(), events, reg, logger)

	queue := notifier.NewQueue(append(cfg.queueOptions(), notifier.WithLogger(logger))...)
	downstream, err := settlementDownstream(cfg.Notifier, logger)
	if err != nil {
		return err
	}

	targets := settlement.NewTargets(db)
	applier := settlement.NewApplier(db, events, targets, settlement.NewMilestones(db), reference.NewResolver(targets),
		settlement.WithNotifier(queue),
		settlement.WithTimeout(cfg.Settlement.ApplyTimeout.Duration),
		settlement.WithStaleAfter(cfg.Settlement.StaleAfter.Duration),
		settlement.WithDescriptionHeuristic(*cfg.Settlement.MilestoneHeuristic),
		settlement.WithLogger(logger),
		settlement.WithMetrics(metrics),
	)
	work := pipeline.New(normalizer.New(reg, normalizer.WithLogger(logger)), events, applier,
		pipeline.WithWorkers(cfg.Pipeline.Workers),
		pipeline.WithQueueCapacity(cfg.Pipeline.QueueCapacity),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)

	health := watcher.NewHealth(cfg.Watcher.DegradedAfter.Duration,
		watcher.WithHealthMetrics(metrics),
		watcher.OnDegradedChange(func(network string, degraded bool) {
			if degraded {
				logger.Error("network degraded", slog.String("network", network))
				return
			}
			logger.Info("network recovered", slog.String("network", network))
		}),
	)
	watchers := make([]*watcher.Watcher, 0, len(reg.IDs()))
	for _, network := range reg.Networks() {
		client, err := chain.NewMultiClient(network.ID, network.RPCEndpoints, logger)
		if err != nil {
			return fmt.Errorf("network %s: %w", network.ID, err)
		}
		defer client.Close()
		watchers = append(watchers, watcher.New(network, client, work, events, health, cfg.watcherConfig(),
			watcher.WithLogger(logger), watcher.WithMetrics(metrics)))
	}

	sweep := sweeper.New(cfg.sweeperConfig(), events, reg, health, applier,
		sweeper.WithLogger(logger), sweeper.WithMetrics(metrics))

	deliveries, err := offramp.OpenDeliveryLog(cfg.Offramp.DeliveryLog)
	if err != nil {
		return err
	}
	defer deliveries.Close()

	server := NewServer(ServerConfig{
		Events:     events,
		Health:     health,
		Sweeper:    sweep,
		Push:       watcher.NewPushReceiver(reg, work, cfg.Webhook.Secret, logger),
		Offramp:    offramp.NewHandler(applier, deliveries, cfg.Offramp.Secret, logger),
		Operator:   cfg.Operator,
		ReportsDir: cfg.Reports.OutputDir,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pipeline and notification queue outlive the watchers so ranges
	// already handed off finish before the workers stop.
	workCtx, stopWork := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		_ = work.Run(workCtx)
	}()
	go func() {
		defer workers.Done()
		_ = queue.Run(workCtx, downstream)
	}()

	g, gctx := errgroup.WithContext(stopCtx)
	for _, w := range watchers {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error {
		logger.Info("reconciled listening", slog.String("addr", cfg.Listen), slog.Any("networks", reg.IDs()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})

	runErr := g.Wait()
	logger.Info("watchers stopped, draining pipeline", slog.Int("pending_notifications", queue.Len()))
	stopWork()
	workers.Wait()
	return runErr
}

func openDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func settlementDownstream(cfg NotifierConfig, logger *slog.Logger) (notifier.Notifier, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return notifier.LogNotifier{Logger: logger}, nil
	}
	var opts []notifier.WebhookOption
	if cfg.RatePerSecond > 0 {
		opts = append(opts, notifier.WithRateLimit(cfg.RatePerSecond, 1))
	}
	hook, err := notifier.NewWebhookNotifier(cfg.WebhookURL, cfg.Secret, opts...)
	if err != nil {
		return nil, fmt.Errorf("settlement webhook: %w", err)
	}
	return hook, nil
}

// warnUnknownNetworks flags stored events whose network is no longer
// configured. Those rows are kept; the sweeper cannot promote them.
func warnUnknownNetworks(ctx context.Context, events *eventstore.Store, reg *registry.Registry, logger *slog.Logger) {
	stored, err := events.Networks(ctx)
	if err != nil {
		logger.Warn("list stored networks failed", slog.Any("error", err))
		return
	}
	for _, network := range stored {
		if _, err := reg.Resolve(network); err != nil {
			logger.Warn("stored events reference an unconfigured network", slog.String("network", network))
		}
	}
}
