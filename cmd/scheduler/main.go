package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinic-appointments/cmd/mainconfig"
	"github.com/wolfman30/clinic-appointments/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-appointments/internal/config"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic scheduler", "env", cfg.Env, "port", cfg.Port, "timezone", cfg.ClinicTimezone)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("scheduler requires DATABASE_URL")
		os.Exit(1)
	}
	defer pool.Close()

	auditDB := openAuditDB(cfg.DatabaseURL, logger)
	if auditDB != nil {
		defer auditDB.Close()
	}

	var awsCfg *aws.Config
	if bootstrap.NeedsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	queue, closeQueue, err := bootstrap.BuildQueue(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to open notification queue", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg, economyMetrics := setupMetrics()
	econ := bootstrap.BuildEconomy(cfg, bootstrap.EconomyDeps{
		Pool:     pool,
		Calendar: bootstrap.BuildCalendar(redisClient, cfg),
		Notifier: notify.NewPublisher(queue, logger),
		Audit:    bootstrap.BuildAuditRecorder(auditDB),
		IPIndex:  bootstrap.BuildIPIndex(redisClient),
		Metrics:  economyMetrics,
	}, logger)

	if redisClient != nil {
		if n, err := econ.Risk.RebuildIPIndex(ctx); err != nil {
			logger.Warn("failed to rebuild blocked ip index", "error", err)
		} else {
			logger.Info("blocked ip index rebuilt", "ips", n)
		}
	}

	runner := bootstrap.BuildSweeps(cfg, econ, economyMetrics, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newOpsRouter(reg, pool, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The in-memory queue only lives in this process, so deliver here too.
	if cfg.NotifyQueueDriver == "" || cfg.NotifyQueueDriver == "memory" {
		worker := notify.NewWorker(queue, buildDeliverer(cfg, pool, awsCfg, logger), logger).
			WithWorkerCount(cfg.NotifyWorkerCount).
			WithRateLimit(cfg.NotifyRatePerSecond).
			WithObserver(economyMetrics)
		g.Go(func() error { return worker.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("scheduler stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}

func buildDeliverer(cfg *appconfig.Config, db notify.DB, awsCfg *aws.Config, logger *logging.Logger) *notify.Service {
	return notify.NewService(notify.ServiceConfig{
		Email:       bootstrap.BuildEmailSender(cfg, awsCfg, logger),
		SMS:         bootstrap.BuildSMSSender(cfg, logger),
		Directory:   notify.NewPGDirectory(db),
		Inbox:       notify.NewPGInbox(db),
		Deliveries:  notify.NewPGDeliveryLog(db),
		AdminEmails: cfg.AdminEmails,
		ClinicName:  cfg.ClinicName,
	}, logger)
}
