// cmd/email-worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"artmarket-notifier/internal/audit"
	"artmarket-notifier/internal/common/config"
	"artmarket-notifier/internal/common/database"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/observability"
	"artmarket-notifier/internal/delivery"
	"artmarket-notifier/internal/dispatch"
	"artmarket-notifier/internal/queue"
	"artmarket-notifier/internal/worker"
)

const (
	postgresAttempts = 5
	retryDelay       = 2 * time.Second

	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

func main() {
	poll := flag.Bool("poll", false, "poll the queue instead of waiting for notifications")
	flag.Parse()

	if err := run(*poll); err != nil {
		fmt.Fprintf(os.Stderr, "email-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(poll bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{"service": "email-worker"})

	obs := observability.New("email-worker", log)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := database.ConnectWithRetry(ctx, cfg.Database.Postgres, postgresAttempts, retryDelay, log)
	if err != nil {
		return err
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	var recorder dispatch.ProcessorOption
	if cfg.Database.Elasticsearch.Enabled() {
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err == nil {
			err = database.PingElasticsearch(es)
		}
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, audit mirror disabled", zap.Error(err))
		} else {
			recorder = dispatch.WithRecorder(audit.NewIndexer(es, cfg.Database.Elasticsearch.Index, log))
		}
	}

	opts := []dispatch.ProcessorOption{
		dispatch.WithObservability(obs),
		dispatch.WithSendTimeout(config.GetDuration(cfg.Dispatch.SendTimeout)),
	}
	if recorder != nil {
		opts = append(opts, recorder)
	}
	processor := dispatch.NewProcessor(
		queue.NewStore(pg.DB),
		delivery.FromConfig(ctx, cfg.Mail, log),
		"worker",
		log,
		opts...,
	)

	mode := worker.ModePush
	var listener database.Listener
	if poll {
		mode = worker.ModePoll
	} else {
		listener = database.NewListener(pg.DSN(), listenerMinReconnect, listenerMaxReconnect, log)
	}

	w := worker.New(processor, listener, worker.Config{
		Channel:   cfg.Worker.Channel,
		SafetyNet: config.GetDuration(cfg.Worker.SafetyNet),
		PollBase:  config.GetDuration(cfg.Worker.PollBase),
		PollMax:   config.GetDuration(cfg.Worker.PollMax),
	}, log)

	metricsSrv := startMetricsServer(cfg.Worker.MetricsAddr, zapLog)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	if err := w.Run(ctx, mode); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	zapLog.Info("Email worker stopped gracefully")
	return nil
}

func startMetricsServer(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Health/Metrics server listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
