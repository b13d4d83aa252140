package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/config"
	"github.com/ekaya-inc/impact-engine/pkg/database"
	"github.com/ekaya-inc/impact-engine/pkg/guard"
	"github.com/ekaya-inc/impact-engine/pkg/handlers"
	"github.com/ekaya-inc/impact-engine/pkg/jobs"
	"github.com/ekaya-inc/impact-engine/pkg/logging"
	"github.com/ekaya-inc/impact-engine/pkg/metrics"
	"github.com/ekaya-inc/impact-engine/pkg/middleware"
	"github.com/ekaya-inc/impact-engine/pkg/repositories"
	"github.com/ekaya-inc/impact-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const retentionInterval = 24 * time.Hour

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("version", cfg.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Migrations run over a plain database/sql handle; the service itself
	// uses the pgx pool.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.String("error", logging.SanitizeError(err)))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.String("error", logging.SanitizeError(err)))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.String("error", logging.SanitizeError(err)))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("error", logging.SanitizeError(err)))
	}

	// Job, cache and guard backends: Redis when configured, otherwise
	// process-local equivalents.
	var (
		jobStore    jobs.JobStore
		resultCache jobs.ResultCache
		rateLimiter guard.RateLimiter
		idempotency guard.IdempotencyStore
	)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		jobStore = jobs.NewRedisJobStore(redisClient, cfg.Jobs.JobTTL)
		resultCache = jobs.NewRedisResultCache(redisClient, cfg.Jobs.CacheTTL)
		rateLimiter = guard.NewRedisRateLimiter(redisClient)
		idempotency = guard.NewRedisIdempotencyStore(redisClient, cfg.Guard.IdempotencyTTL)
		logger.Info("Using Redis job and guard backends")
	} else {
		jobStore = jobs.NewMemoryJobStore(cfg.Jobs.JobTTL)
		resultCache = jobs.NewMemoryResultCache(cfg.Jobs.CacheTTL)
		rateLimiter = guard.NewLocalRateLimiter()
		idempotency = guard.NewLocalIdempotencyStore(cfg.Guard.IdempotencyTTL)
		logger.Info("Using process-local job and guard backends")
	}

	m := metrics.New()

	logRepo := repositories.NewQueryLogRepository()
	batchRepo := repositories.NewIngestBatchRepository()
	kpiRepo := repositories.NewKPIDefinitionRepository()

	parser := services.DefaultParser{}
	ingestSvc := services.NewIngestService(db, logRepo, batchRepo, parser, &cfg.Ingest, m, logger)
	impactSvc := services.NewImpactService(db, logRepo, kpiRepo, jobStore, resultCache, rateLimiter, cfg, m, logger)
	graphSvc := services.NewQueryGraphService(parser, logger)
	retentionSvc := services.NewRetentionService(db, logRepo, logger)
	retentionSvc.RunScheduler(ctx, retentionInterval)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(logger, cfg.Version).RegisterRoutes(mux)
	handlers.NewIngestHandler(ingestSvc, rateLimiter, idempotency, cfg, logger).RegisterRoutes(mux)
	handlers.NewImpactHandler(impactSvc, graphSvc, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	handler := middleware.Trace(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting impact-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
