package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"listing-repricer/internal/models"
	"listing-repricer/internal/redis"
)

// HistorySource is the slice of the ledger the export job touches: it reads
// the history window and records its own failures as sync errors.
type HistorySource interface {
	HistorySince(ctx context.Context, since time.Time) ([]models.PriceHistoryRow, error)
	RecordError(ctx context.Context, row models.SyncErrorRow) error
}

// ExportJob periodically snapshots the price-history ledger to object
// storage as JSON lines, one object per window. The ledger in Postgres stays
// the source of truth; snapshots are for offline analysis.
type ExportJob struct {
	log      *slog.Logger
	ledger   HistorySource
	store    SnapshotStore
	redis    *redis.Client
	interval time.Duration
}

func NewExportJob(log *slog.Logger, ledger HistorySource, store SnapshotStore, redisClient *redis.Client, interval time.Duration) *ExportJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ExportJob{
		log:      log,
		ledger:   ledger,
		store:    store,
		redis:    redisClient,
		interval: interval,
	}
}

// Start blocks until ctx is done. Intended to run in its own goroutine.
func (j *ExportJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			j.runCycle(cycleCtx)
			cancel()
		}
	}
}

func (j *ExportJob) runCycle(ctx context.Context) {
	key := SnapshotKey(time.Now().UTC())

	// dedupe across worker restarts within a window
	if j.redis != nil {
		acquired, err := j.redis.AcquireLock(ctx, "repricer:export:"+key, j.interval)
		if err != nil {
			j.log.Warn("export_lock_error", "error", err)
		} else if !acquired {
			return
		}
	}

	rows, err := j.ledger.HistorySince(ctx, time.Now().Add(-j.interval))
	if err != nil {
		j.log.Warn("export_history_read_failed", "error", err)
		return
	}
	if len(rows) == 0 {
		j.log.Info("export_skipped_empty")
		return
	}

	body, err := EncodeSnapshot(rows)
	if err != nil {
		j.log.Error("export_encode_failed", "error", err)
		return
	}

	url, err := j.store.PutSnapshot(ctx, key, body)
	if err != nil {
		j.log.Warn("export_upload_failed", "key", key, "error", err)
		if recErr := j.ledger.RecordError(ctx, models.SyncErrorRow{
			AccountID: "system",
			Op:        "ledger_export",
			Class:     "transient",
			Detail:    err.Error(),
		}); recErr != nil {
			j.log.Error("export_failure_ledger_write_failed", "error", recErr)
		}
		return
	}

	j.log.Info("export_snapshot_uploaded",
		"key", key,
		"rows", len(rows),
		"bytes", len(body),
		"url", url,
	)
}

// SnapshotKey names one snapshot object by UTC date.
func SnapshotKey(t time.Time) string {
	return fmt.Sprintf("price-history/%s.jsonl", t.Format("2006-01-02"))
}

// EncodeSnapshot renders ledger rows as JSON lines.
func EncodeSnapshot(rows []models.PriceHistoryRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
