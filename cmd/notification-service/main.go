// cmd/notification-service/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"artmarket-notifier/internal/api"
	"artmarket-notifier/internal/audit"
	"artmarket-notifier/internal/common/config"
	"artmarket-notifier/internal/common/database"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/observability"
	"artmarket-notifier/internal/delivery"
	"artmarket-notifier/internal/dispatch"
	"artmarket-notifier/internal/enqueue"
	"artmarket-notifier/internal/newsletter"
	"artmarket-notifier/internal/queue"
	"artmarket-notifier/internal/templates"
)

const (
	postgresAttempts = 15
	retryDelay       = 2 * time.Second
	shutdownTimeout  = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	})

	zapLog.Info("Starting notification service...")

	obs := observability.New("notification-service", log)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	pg, err := database.ConnectWithRetry(ctx, cfg.Database.Postgres, postgresAttempts, retryDelay, log)
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Optional Redis template cache ---
	var rdb *redis.Client
	if cfg.Database.Redis.Enabled() {
		rdb, err = database.NewRedis(ctx, cfg.Database.Redis)
		if err != nil {
			zapLog.Warn("redis unavailable, template cache disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			zapLog.Info("Redis connected successfully")
		}
	}

	// --- Optional Elasticsearch audit mirror ---
	var es *elasticsearch.Client
	if cfg.Database.Elasticsearch.Enabled() {
		es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err == nil {
			err = database.PingElasticsearch(es)
		}
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, audit mirror disabled", zap.Error(err))
			es = nil
		} else {
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	queueStore := queue.NewStore(pg.DB)
	resolver := templates.NewResolver(
		templates.NewStore(pg.DB),
		templates.NewCache(rdb, config.GetDuration(cfg.Templates.CacheTTL)),
		log,
	)

	capability := delivery.FromConfig(ctx, cfg.Mail, log)

	opts := []dispatch.ProcessorOption{
		dispatch.WithObservability(obs),
		dispatch.WithSendTimeout(config.GetDuration(cfg.Dispatch.SendTimeout)),
	}
	if indexer := audit.NewIndexer(es, cfg.Database.Elasticsearch.Index, log); indexer != nil {
		opts = append(opts, dispatch.WithRecorder(indexer))
	}
	processor := dispatch.NewProcessor(queueStore, capability, "service", log, opts...)

	dispatcher := dispatch.NewDispatcher(processor, config.GetDuration(cfg.Dispatch.Interval), log)
	var trigger enqueue.Trigger
	if cfg.Dispatch.Enabled {
		dispatcher.Start()
		trigger = dispatcher
	} else {
		zapLog.Info("in-process dispatcher disabled, delivery left to the email worker")
	}

	enqueuer := enqueue.New(queueStore, resolver, newsletter.NewStore(pg.DB), trigger, log)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(enqueuer, queueStore, pg.DB, log).WithTemplateCache(resolver)
	router := api.NewRouter(handler, log)

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		zapLog.Info("Shutdown signal received, draining...")
	case err := <-serveErr:
		zapLog.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	dispatcher.Stop()

	zapLog.Info("Notification service stopped gracefully")
}
