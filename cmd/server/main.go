package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tillpoint/internal/config"
	"tillpoint/internal/httpapi"
	"tillpoint/internal/invoice"
	"tillpoint/internal/pending"
	"tillpoint/internal/service"
	"tillpoint/internal/store"
	"tillpoint/internal/store/memory"
	pgstore "tillpoint/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory (seeded)")
	}

	var queue pending.Queue = pending.NewMemoryQueue()
	if cfg.RedisAddr != "" {
		redisQueue := pending.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisQueue.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, pending invoices kept in-process", zap.Error(err))
		} else {
			queue = redisQueue
			closers = append(closers, redisQueue.Close)
			logger.Info("pending invoice queue: redis")
		}
	} else {
		logger.Info("pending invoice queue: in-process")
	}

	issuer := invoice.NewIssuer(cfg.InvoiceSecret)
	svc := service.New(repo, issuer, queue, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err := auth.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		logger.Fatal("admin bootstrap failed", zap.Error(err))
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	svc.StartInvoiceWorker(workerCtx, time.Duration(cfg.InvoiceRetrySeconds)*time.Second)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}
