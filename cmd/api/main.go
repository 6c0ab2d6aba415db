package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lead_router_backend/internal/admin"
	"lead_router_backend/internal/assignment"
	"lead_router_backend/internal/audit"
	"lead_router_backend/internal/conversation"
	"lead_router_backend/internal/coordination"
	"lead_router_backend/internal/crm"
	"lead_router_backend/internal/events"
	"lead_router_backend/internal/flows"
	"lead_router_backend/internal/handoff"
	apphttp "lead_router_backend/internal/http"
	"lead_router_backend/internal/http/router"
	"lead_router_backend/internal/llm"
	"lead_router_backend/internal/metrics"
	"lead_router_backend/internal/scheduler"
	"lead_router_backend/internal/webhook"
	"lead_router_backend/platform/config"
	"lead_router_backend/platform/db"
	"lead_router_backend/platform/kvstore"
	"lead_router_backend/platform/logger"
	"lead_router_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()
	keys := kvstore.NewKeys(cfg.GetStorePrefix())

	m := metrics.New()
	eventBus := events.NewInMemoryBus(log)
	eventBus.Subscribe(events.HandoffRecorded{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		if rec, ok := e.(events.HandoffRecorded); ok {
			m.RecordHandoff(rec.Decision)
		}
		return nil
	}))

	if pool := openAuditPool(ctx, cfg, log); pool != nil {
		defer pool.Close()
		audit.NewPostgresMirror(pool, log).RegisterHandlers(eventBus)
		retention := audit.NewMirrorRetention(pool, log, 0, 0)
		group.Go(func() error {
			retention.Run(ctx)
			return nil
		})
	}

	val := validator.New()

	// ========================================================================
	// Routing Core
	// ========================================================================

	trail := audit.NewLog(store, keys, eventBus, log)
	states := conversation.NewRepository(store, keys, log)
	registry := assignment.NewRegistry(store, keys, states, trail, log)

	dedup := coordination.NewDeduplicator(store, keys)
	lock := coordination.NewContactLock(store, keys,
		coordination.WithLockTTL(cfg.GetLockTTL()),
		coordination.WithLockMaxWait(cfg.GetLockMaxWait()),
	)

	catalog, err := flows.LoadCatalog()
	if err != nil {
		log.Error("failed to load flow catalog", "error", err)
		panic("failed to load flow catalog: " + err.Error())
	}

	llmClient, err := llm.NewClient(ctx, cfg, log, m)
	if err != nil {
		log.Error("failed to initialize language model client", "error", err)
		panic("failed to initialize language model client: " + err.Error())
	}
	if llmClient == nil {
		log.Warn("GEMINI_API_KEY not configured; flows use catalog copy only")
	}

	engineOpts := []flows.Option{flows.WithExternalTimeout(cfg.GetExternalTimeout())}
	handoffOpts := []handoff.Option{handoff.WithExternalTimeout(cfg.GetExternalTimeout())}
	if llmClient != nil {
		engineOpts = append(engineOpts, flows.WithGenerator(llmClient), flows.WithClassifier(llmClient))
		if cfg.GetHandoffSemanticEnabled() {
			handoffOpts = append(handoffOpts, handoff.WithSemanticScorer(llmClient))
		}
	}
	engine := flows.NewEngine(catalog, log, engineOpts...)
	coordinator := handoff.NewCoordinator(registry, trail, log, handoffOpts...)

	crmClient := crm.NewClient(cfg, log, m)

	runner := scheduler.NewRunner(crmClient, log, m)
	runner.SetRetryable(crm.IsRetryable)
	deferred := initDeferredQueue(ctx, group, cfg, runner, log)

	// ========================================================================
	// Modules
	// ========================================================================

	webhookService := webhook.NewService(webhook.Dependencies{
		Dedup:    dedup,
		Lock:     lock,
		Registry: registry,
		States:   states,
		Handoff:  coordinator,
		Engine:   engine,
		CRM:      crmClient,
		Deferred: deferred,
		Bus:      eventBus,
		Metrics:  m,
	}, cfg.GetDeferredTagDelay(), log)
	webhookModule := webhook.NewModule(webhookService, cfg, val, log)

	adminService := admin.NewService(registry, states, trail, lock, crmClient, log)
	adminModule := admin.NewModule(adminService, val, log)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  store,
		Metrics: m.Handler(),
		Modules: []apphttp.Module{
			webhookModule,
			adminModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// openStore connects the shared state store. Without REDIS_URL the process
// keeps state in memory, which only works for a single instance.
func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (kvstore.Store, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; using in-memory state store")
		return kvstore.NewMemoryStore(), func() {}
	}

	var store *kvstore.RedisStore
	if err := withRetry(ctx, log, "redis connection", 5, 2*time.Second, func() error {
		var dialErr error
		store, dialErr = kvstore.Dial(ctx, cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
		return dialErr
	}); err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	log.Info("connected to redis")
	return store, func() { _ = store.Close() }
}

// openAuditPool connects the optional Postgres audit mirror and applies its
// migrations. A nil pool disables mirroring.
func openAuditPool(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) *pgxpool.Pool {
	if cfg.GetDatabaseURL() == "" {
		log.Info("DATABASE_URL not configured; audit mirror disabled")
		return nil
	}

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		var dialErr error
		pool, dialErr = db.OpenMirrorPool(ctx, cfg)
		return dialErr
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool)
	}); err != nil {
		pool.Close()
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("audit mirror ready")
	return pool
}

// initDeferredQueue returns the asynq client when Redis is configured; the
// scheduler binary executes those tasks. Otherwise actions run in-process.
func initDeferredQueue(ctx context.Context, group *errgroup.Group, cfg config.SchedulerConfig, runner *scheduler.Runner, log *logger.Logger) scheduler.Enqueuer {
	if cfg.GetRedisURL() != "" {
		client, err := scheduler.NewClient(cfg)
		if err == nil {
			group.Go(func() error {
				<-ctx.Done()
				return client.Close()
			})
			return client
		}
		log.Error("failed to initialize deferred action client; falling back to in-process queue", "error", err)
	}

	queue := scheduler.NewLocalQueue(runner, log)
	group.Go(func() error {
		queue.Run(ctx)
		return nil
	})
	return queue
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
