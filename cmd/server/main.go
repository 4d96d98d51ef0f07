package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailpipe/internal/api"
	"mailpipe/internal/config"
	"mailpipe/internal/db"
	"mailpipe/internal/email"
	"mailpipe/internal/metrics"
	"mailpipe/internal/producer"
	"mailpipe/internal/queue"
	"mailpipe/internal/quota"
	"mailpipe/internal/scheduler"
	"mailpipe/internal/worker"
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
	// Quota Store (redis)
	// ------------------------------------------------
	quotaStore, err := quota.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DailyLimit)
	if err != nil {
		logger.Fatal("quota store connection failed", zap.Error(err))
	}
	defer quotaStore.Close()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Broker
	// ------------------------------------------------
	queueMgr := queue.NewManager(cfg.AMQPURL, logger)
	defer queueMgr.Close()

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

	// Queue depth gauges
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := queueMgr.GetQueueStats(ctx)
				if err != nil {
					logger.Warn("queue stats poll failed", zap.Error(err))
					continue
				}
				metrics.MainQueueDepth.Set(float64(stats.MainMessages))
				metrics.DeadLetterDepth.Set(float64(stats.DeadLetterMessages))
			}
		}
	}()

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}

	// ------------------------------------------------
	// Producer
	// ------------------------------------------------
	dispatcher := producer.New(queueMgr, quotaStore, cfg.SMTPFrom, logger)

	// ------------------------------------------------
	// Rate Limiter + Workers
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(
			i,
			queueMgr,
			quotaStore,
			sender,
			limiter,
			cfg.MaxAttempts,
			time.Duration(cfg.RetryDelaySec)*time.Second,
			logger,
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	// ------------------------------------------------
	// Persisted Scheduler
	// ------------------------------------------------
	sched := scheduler.New(
		store,
		dispatcher,
		quotaStore,
		cfg.SchedulerBatchSize,
		cfg.SchedulerMaxAttempts,
		logger,
	)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Producer: dispatcher,
		Queue:    queueMgr,
		Store:    store,
		Log:      logger,
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /send", apiHandler.SendEmail)
	apiMux.HandleFunc("POST /send/bulk", apiHandler.SendBulkEmail)
	apiMux.HandleFunc("POST /send/bulk/csv", apiHandler.SendBulkCSV)
	apiMux.HandleFunc("POST /schedule", apiHandler.ScheduleEmail)
	apiMux.HandleFunc("GET /scheduled", apiHandler.ListScheduled)
	apiMux.HandleFunc("GET /usage", apiHandler.UsageStats)
	apiMux.HandleFunc("GET /queue/stats", apiHandler.QueueStats)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiMux,
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

	// Stop claiming new scheduled sends, then drain workers
	sched.Stop()
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
