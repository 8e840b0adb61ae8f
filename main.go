package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"listing-repricer/internal/api"
	"listing-repricer/internal/config"
	"listing-repricer/internal/db"
	"listing-repricer/internal/logging"
	"listing-repricer/internal/marketplace"
	"listing-repricer/internal/redis"
	"listing-repricer/internal/scheduler"
	"listing-repricer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "listing-repricer-api", "http_addr", cfg.HTTPAddr)

	if len(cfg.EncryptionKey) != 32 {
		logger.Error("encryption_key_required", "msg", "set ENCRYPTION_KEY to a base64 32-byte key")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := store.Migrate(ctx, dbConn); err != nil {
		logger.Error("migrate_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	accounts, err := store.NewAccounts(logger, dbConn, cfg.EncryptionKey)
	if err != nil {
		logger.Error("accounts_init_failed", "error", err)
		os.Exit(1)
	}
	listings := store.NewListings(logger, dbConn)
	ledger := store.NewLedger(logger, dbConn)

	tokens, err := marketplace.NewTokenLifecycle(logger, accounts, cfg.EncryptionKey, cfg.MarketplaceAuthURL)
	if err != nil {
		logger.Error("token_lifecycle_init_failed", "error", err)
		os.Exit(1)
	}

	retry := marketplace.DefaultRetryConfig()
	retry.MaxRetries = cfg.CallMaxRetries
	caller := marketplace.NewCaller(logger, tokens, marketplace.CallerConfig{
		BaseURL:             cfg.MarketplaceBaseURL,
		GlobalMaxConcurrent: cfg.GlobalMaxCalls,
		AccountRate:         rate.Limit(float64(cfg.AccountCallsPerMin) / 60.0),
		AccountBurst:        cfg.AccountCallBurst,
		Retry:               retry,
	})

	// scheduler here backs the manual reprice endpoint; the worker binary
	// owns the periodic ticks
	sched := scheduler.New(logger, listings, ledger, tokens, caller, scheduler.Config{
		ClaimTTL:            cfg.ClaimTTL,
		FailureCooldown:     cfg.FailureCooldown,
		Deadline:            cfg.TickDeadline,
		MaxParallelAccounts: cfg.MaxParallelAccounts,
	})

	srv := api.NewServer(logger, dbConn, redisClient, cfg, accounts, listings, ledger, sched)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("api_server_ready", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}

	dbConn.Close()
	logger.Info("api_stopped")
}
