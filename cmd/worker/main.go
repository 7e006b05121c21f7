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

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/scan-grader/internal/bootstrap"
	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/observability/logging"
	"github.com/kirillkom/scan-grader/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, logger, workerMetrics.Registry())
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		logger.Info("worker_subscribed", "subject", cfg.NATSGradesSubject)
		return app.Queue.SubscribeGradeSaved(groupCtx, func(handlerCtx context.Context, event domain.GradeSavedEvent) error {
			processCtx, cancel := context.WithTimeout(handlerCtx, time.Minute)
			defer cancel()

			workerMetrics.StartEvent()
			started := time.Now()
			if !event.SavedAt.IsZero() {
				workerMetrics.ObserveQueueLag(serviceName, started.Sub(event.SavedAt))
			}
			record, err := app.ProcessUC.Process(processCtx, event)
			workerMetrics.FinishEvent(serviceName, time.Since(started), err)
			if err != nil {
				return err
			}
			logger.Info("grade_event_reconciled",
				"grade_id", record.ID,
				"session_id", record.SessionID,
				"final_grade", record.Grade.FinalGrade,
			)
			return nil
		})
	})
	group.Go(func() error {
		runSweeper(groupCtx, app, workerMetrics, cfg.SweepInterval, logger)
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}

// runSweeper purges expired session snapshots until ctx is done.
func runSweeper(ctx context.Context, app *bootstrap.App, workerMetrics *metrics.WorkerMetrics, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := app.Recovery.Sweep(ctx)
			if err != nil {
				logger.Warn("session_sweep_failed", "error", err)
				continue
			}
			workerMetrics.RecordSweep(serviceName, purged)
			if purged > 0 {
				logger.Info("session_sweep", "purged", purged)
			}
		}
	}
}
