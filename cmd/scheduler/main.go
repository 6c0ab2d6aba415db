package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lead_router_backend/internal/crm"
	"lead_router_backend/internal/metrics"
	"lead_router_backend/internal/scheduler"
	"lead_router_backend/platform/config"
	"lead_router_backend/platform/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler worker", "env", cfg.Env, "queue", cfg.GetAsynqQueueName())

	if cfg.GetRedisURL() == "" {
		log.Error("REDIS_URL not configured; the scheduler worker needs asynq")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	crmClient := crm.NewClient(cfg, log, m)

	runner := scheduler.NewRunner(crmClient, log, m)
	runner.SetRetryable(crm.IsRetryable)

	worker, err := scheduler.NewWorker(cfg, runner, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		worker.Run(ctx)
		return nil
	})

	metricsSrv := &http.Server{
		Addr:              cfg.GetSchedulerMetricsAddr(),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("scheduler metrics server stopped", "error", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("scheduler worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("scheduler worker stopped")
}
