package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailroom/internal/api"
	"mailroom/internal/config"
	"mailroom/internal/mailer"
	"mailroom/internal/metrics"
	"mailroom/internal/queue"
	"mailroom/internal/queue/memory"
	"mailroom/internal/queue/postgres"
	"mailroom/internal/retry"
	"mailroom/internal/template"
	"mailroom/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Queue Store
	// ------------------------------------------------
	var store queue.Store
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory store, jobs will not survive a restart")
		store = memory.New()
	default:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		pgStore, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		store = pgStore
	}
	defer store.Close()

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// SMTP Mailer
	// ------------------------------------------------
	sender := mailer.New(mailer.Config{
		Host:            cfg.SMTPHost,
		Port:            cfg.SMTPPort,
		Username:        cfg.SMTPUser,
		Password:        cfg.SMTPPassword,
		From:            cfg.SMTPFrom,
		SkipTLSVerify:   cfg.SMTPSkipTLSVerify,
		PoolSize:        cfg.PoolSize,
		PoolMaxMessages: cfg.PoolMaxMessages,
		PoolIdleTimeout: cfg.PoolIdleTimeout,
		SendTimeout:     cfg.SendTimeout,
	})
	defer sender.Close()

	// ------------------------------------------------
	// Worker
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	policy := retry.Policy{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2.0,
		Jitter:     true,
	}

	w := worker.New(
		store,
		sender,
		template.NewFileRenderer(cfg.TemplateDir),
		policy,
		limiter,
		logger,
		worker.Config{
			PollInterval:      cfg.PollInterval,
			BatchLimit:        cfg.BatchLimit,
			MaxConcurrent:     cfg.MaxConcurrent,
			LeaseTimeout:      cfg.LeaseTimeout,
			ReapInterval:      cfg.ReapInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store: store,
		Log:   logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Wait for in-flight sends to reach an outcome.
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
