package scheduler

import (
	"context"
	"fmt"
	"os"

	"lead_router_backend/platform/config"
	"lead_router_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// Worker consumes deferred actions from asynq.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *Runner
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runner *Runner, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger: asynqLogger{log},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		runner: runner,
		log:    log,
	}

	mux.HandleFunc(TaskDeferredAction, w.handleDeferredAction)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleDeferredAction(ctx context.Context, task *asynq.Task) error {
	action, err := ParseDeferredActionPayload(task)
	if err != nil {
		w.log.Warn("discarding undecodable deferred action", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	return w.runner.Attempt(ctx, action, attemptFromContext(ctx))
}

// attemptFromContext is 1 for the first delivery, 2 for the first retry.
func attemptFromContext(ctx context.Context) int {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 1
	}
	return retried + 1
}

// asynqLogger routes asynq's internal logging into slog.
type asynqLogger struct {
	log *logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
