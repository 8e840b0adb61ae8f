package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"listing-repricer/internal/config"
	"listing-repricer/internal/db"
	"listing-repricer/internal/logging"
	"listing-repricer/internal/marketplace"
	"listing-repricer/internal/redis"
	"listing-repricer/internal/scheduler"
	"listing-repricer/internal/storage"
	"listing-repricer/internal/store"
)

const tickLockKey = "repricer:tick"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "listing-repricer-worker", "tick_interval", cfg.TickInterval.String())

	if len(cfg.EncryptionKey) != 32 {
		logger.Error("encryption_key_required", "msg", "set ENCRYPTION_KEY to a base64 32-byte key")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the worker outlives transient DB restarts at boot
	var dbConn *db.DB
	for attempt := 1; ; attempt++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		if attempt >= 5 {
			logger.Error("db_connect_failed", "error", err, "attempts", attempt)
			os.Exit(1)
		}
		logger.Warn("db_connect_retry", "error", err, "attempt", attempt)
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
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

	sched := scheduler.New(logger, listings, ledger, tokens, caller, scheduler.Config{
		ClaimTTL:            cfg.ClaimTTL,
		FailureCooldown:     cfg.FailureCooldown,
		Deadline:            cfg.TickDeadline,
		MaxParallelAccounts: cfg.MaxParallelAccounts,
	})

	// ledger snapshot export
	var snapshots storage.SnapshotStore
	if cfg.ExportBucket != "" {
		s3Client, err := storage.NewS3Client(storage.S3Config{
			Endpoint: cfg.ExportEndpoint,
			Bucket:   cfg.ExportBucket,
			Region:   "auto",
			KeysJSON: cfg.ExportKeysRaw,
		})
		if err != nil {
			logger.Error("s3_client_init_failed", "error", err)
			os.Exit(1)
		}
		snapshots = s3Client
	} else {
		logger.Warn("export_bucket_not_configured", "msg", "ledger snapshots go to the local simulator")
		snapshots = storage.NewSimulator("listing-repricer", cfg.ExportEndpoint)
	}
	exportJob := storage.NewExportJob(logger, ledger, snapshots, redisClient, cfg.ExportInterval)
	go exportJob.Start(ctx)

	go runTicks(ctx, logger, sched, redisClient, cfg)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	// let an in-flight tick release its claims via cooldowns
	time.Sleep(2 * time.Second)

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}
	dbConn.Close()
	logger.Info("worker_stopped")
}

// runTicks drives the scheduler. The redis lock keeps two worker processes
// from starting overlapping ticks; the per-listing claim in Postgres remains
// the correctness mechanism if the lock expires mid-tick.
func runTicks(ctx context.Context, logger *slog.Logger, sched *scheduler.Scheduler, redisClient *redis.Client, cfg config.Config) {
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	runOne := func() {
		acquired, err := redisClient.AcquireLock(ctx, tickLockKey, cfg.TickDeadline)
		if err != nil {
			logger.Warn("tick_lock_error", "error", err)
		} else if !acquired {
			logger.Info("tick_skipped_lock_held")
			return
		}
		defer func() {
			if err := redisClient.ReleaseLock(context.Background(), tickLockKey); err != nil {
				logger.Warn("tick_lock_release_failed", "error", err)
			}
		}()

		summary, err := sched.RunTick(ctx, scheduler.Filter{})
		if err != nil {
			logger.Error("tick_failed", "error", err)
			return
		}

		if payload, err := json.Marshal(summary); err == nil {
			_ = redisClient.Set(ctx, "repricer:last_tick", string(payload), 24*time.Hour)
		}
	}

	runOne()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOne()
		}
	}
}
