package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	aiAdapters "promptsync/internal/infra/adapters/ai"
	"promptsync/internal/infra/adapters/remote"
	pg "promptsync/internal/infra/db/postgres"
	"promptsync/internal/infra/logging"
	"promptsync/internal/infra/metrics"
	"promptsync/internal/infra/notify"
	"promptsync/internal/infra/queue"
	"promptsync/internal/infra/realtime"
	red "promptsync/internal/infra/redis"
	"promptsync/internal/infra/registry"
	"promptsync/internal/infra/web"
	"promptsync/internal/infra/worker"
	"promptsync/internal/usecase"

	"github.com/rs/zerolog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	jobRepo := pg.NewJobRepo(pool, tm)
	recurringRepo := pg.NewRecurringJobRepo(pool)
	opsRepo := pg.NewSyncOperationRepo(pool)
	local := pg.NewPromptRepoCacheDecorator(pg.NewPromptRepo(pool), redisClient)

	// ---- Connection registry ----
	factory := func(conn *model.SyncConnection) (adapter.RemoteStore, error) {
		switch conn.Kind {
		case model.ConnectionKindPostgres:
			return remote.NewPostgresRemote(ctx, conn)
		default:
			return remote.NewRESTRemote(conn, rateLimiter)
		}
	}
	reg := registry.New(factory, locker, logger)
	defer reg.Close()

	// ---- Queue ----
	broadcaster := notify.NewBroadcaster(logger)
	dispatcher := queue.NewDispatcher()
	workPool := worker.NewPool(cfg.Queue.Workers, logger)
	workPool.Start(ctx)
	defer workPool.Stop()
	q := queue.New(jobRepo, recurringRepo, dispatcher, workPool, cfg.Queue.Tick, logger)

	orch := usecase.NewSyncOrchestrator(opsRepo, local, reg, q, broadcaster, usecase.SyncSettings{
		BatchSize:      cfg.Sync.BatchSize,
		ConflictPolicy: model.ConflictPolicy(cfg.Sync.ConflictPolicy),
		JobTimeout:     cfg.Sync.JobTimeout,
		MaxAttempts:    cfg.Sync.MaxAttempts,
	}, logger)

	dispatcher.Register(model.JobTypeSync, queue.NewSyncHandler(orch))
	dispatcher.Register(model.JobTypeCleanup, queue.NewCleanupHandler(jobRepo, opsRepo, cfg.Queue.Retention, logger))
	dispatcher.Register(model.JobTypeWebhookRetry, queue.NewWebhookHandler(&http.Client{Timeout: 15 * time.Second}, logger))

	// ---- Model invoker (prompt test-runs) ----
	invoker := buildInvoker(ctx, cfg, logger)
	dispatcher.Register(model.JobTypePromptTest, queue.NewPromptTestHandler(invoker, local, logger))

	q.Start(ctx)
	defer q.Stop()
	if _, err := q.EnsureRecurring(ctx, "cleanup", model.JobTypeCleanup, nil, cfg.Queue.CleanupInterval, 0); err != nil {
		logger.Error().Err(err).Msg("schedule cleanup")
	}

	// ---- Realtime ----
	subs := realtime.NewManager(orch, logger)
	defer subs.Close()

	// ---- HTTP ----
	auth := web.NewAuthManager(cfg.Web.SessionSecret, !cfg.Runtime.Dev, "", 30*time.Minute)
	srv := web.NewServer(orch, reg, subs, broadcaster, jobRepo, q, local, auth, cfg.Web.APIKey, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Web.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

// buildInvoker assembles the provider stack from config: every configured
// provider behind prefix routing, wrapped with the concurrency and input
// budget limits. Falls back to the noop invoker when nothing is configured.
func buildInvoker(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) adapter.ModelInvoker {
	byProvider := make(map[string]adapter.ModelInvoker)

	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.OpenAIURL, cfg.AI.DefaultModel)
		if err != nil {
			logger.Error().Err(err).Msg("openai invoker")
		} else {
			byProvider["openai"] = oa
			logger.Info().Str("key", logging.Redact(cfg.AI.OpenAIKey, cfg.Runtime.Dev)).Msg("openai invoker ready")
		}
	}
	if cfg.AI.GeminiKey != "" {
		gm, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.DefaultModel)
		if err != nil {
			logger.Error().Err(err).Msg("gemini invoker")
		} else {
			byProvider["gemini"] = gm
			logger.Info().Str("key", logging.Redact(cfg.AI.GeminiKey, cfg.Runtime.Dev)).Msg("gemini invoker ready")
		}
	}
	if len(byProvider) == 0 {
		logger.Warn().Msg("no model provider configured; prompt test-runs use the noop invoker")
		return aiAdapters.NewNoopInvoker()
	}

	multi := aiAdapters.NewMultiInvoker(cfg.AI.DefaultProvider, byProvider, cfg.AI.ModelProviders)
	return aiAdapters.NewLimitedInvoker(multi, cfg.AI.ConcurrentLimit, cfg.AI.MaxInputTokens)
}
