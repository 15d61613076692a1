package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-appointments/cmd/mainconfig"
	"github.com/wolfman30/clinic-appointments/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-appointments/internal/config"
	"github.com/wolfman30/clinic-appointments/internal/notify"
	"github.com/wolfman30/clinic-appointments/internal/observability/metrics"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("notifier requires DATABASE_URL")
		os.Exit(1)
	}
	if cfg.NotifyQueueDriver == "" || cfg.NotifyQueueDriver == "memory" {
		logger.Error("notifier needs a shared queue; set NOTIFY_QUEUE_DRIVER to sqs or amqp")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	reg := prometheus.NewRegistry()
	economyMetrics := metrics.NewEconomyMetrics(reg)

	service := notify.NewService(notify.ServiceConfig{
		Email:       bootstrap.BuildEmailSender(cfg, awsCfg, logger),
		SMS:         bootstrap.BuildSMSSender(cfg, logger),
		Directory:   notify.NewPGDirectory(pool),
		Inbox:       notify.NewPGInbox(pool),
		Deliveries:  notify.NewPGDeliveryLog(pool),
		AdminEmails: cfg.AdminEmails,
		ClinicName:  cfg.ClinicName,
	}, logger)

	worker := notify.NewWorker(queue, service, logger).
		WithWorkerCount(cfg.NotifyWorkerCount).
		WithRateLimit(cfg.NotifyRatePerSecond).
		WithObserver(economyMetrics)
	worker.Start(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 15 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()
	logger.Info("notifier started", "driver", cfg.NotifyQueueDriver, "workers", cfg.NotifyWorkerCount)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("notifier shutting down")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	worker.Wait()
}
