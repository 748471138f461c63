package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/folio/internal/app"
	jobmetrics "github.com/odyssey-erp/folio/internal/jobs"
	"github.com/odyssey-erp/folio/internal/observability"
	"github.com/odyssey-erp/folio/jobs"
	"github.com/odyssey-erp/folio/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	service := rt.Service(cfg, observability.NewMetrics())
	metrics := jobmetrics.NewMetrics(nil)

	pdfClient := report.NewClient(cfg.GotenbergURL)
	if pdfClient.Enabled() {
		if err := pdfClient.Ping(ctx); err != nil {
			logger.Warn("gotenberg ping", slog.Any("error", err))
		}
	} else {
		logger.Warn("GOTENBERG_URL not set, pdf exports will be skipped")
	}

	exportJob := &jobs.InvoiceExportJob{
		Documents: service,
		PDF:       pdfClient,
		HTML:      report.DocumentHTML,
		Dir:       cfg.ExportDir,
		Logger:    logger,
		Metrics:   metrics,
	}
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     rt.Idem,
		Retention: cfg.IdempotencyRetention,
		Logger:    logger,
		Metrics:   metrics,
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceExport, Handler: exportJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
