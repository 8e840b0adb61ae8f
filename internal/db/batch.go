package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BatchConfig holds configuration for batch insert operations.
type BatchConfig struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	OnProgress func(processed, total int)
}

// DefaultBatchConfig returns sensible defaults for ledger batch writes.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:  100,
		MaxRetries: 3,
		RetryDelay: 1 * time.Second,
		OnProgress: nil,
	}
}

// BatchInsert performs a chunked COPY insert. Returns the total number of
// rows inserted and any error encountered.
func (d *DB) BatchInsert(ctx context.Context, tableName string, columns []string, values [][]interface{}, cfg BatchConfig) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}

	totalInserted := 0
	totalRows := len(values)

	for i := 0; i < len(values); i += cfg.BatchSize {
		end := i + cfg.BatchSize
		if end > len(values) {
			end = len(values)
		}

		batch := values[i:end]
		inserted, err := d.insertBatch(ctx, tableName, columns, batch, cfg.MaxRetries, cfg.RetryDelay)
		if err != nil {
			return totalInserted, fmt.Errorf("batch insert failed at offset %d: %w", i, err)
		}

		totalInserted += inserted

		if cfg.OnProgress != nil {
			cfg.OnProgress(totalInserted, totalRows)
		}
	}

	return totalInserted, nil
}

func (d *DB) insertBatch(ctx context.Context, tableName string, columns []string, batch [][]interface{}, maxRetries int, retryDelay time.Duration) (int, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		rowsCopied, err := d.Pool.CopyFrom(
			ctx,
			[]string{tableName},
			columns,
			&batchSource{rows: batch},
		)
		if err == nil {
			return int(rowsCopied), nil
		}

		lastErr = err
		if attempt < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	return 0, lastErr
}

// batchSource implements pgx.CopyFromSource for batch inserts.
type batchSource struct {
	rows  [][]interface{}
	index int
}

func (b *batchSource) Next() bool {
	b.index++
	return b.index <= len(b.rows)
}

func (b *batchSource) Values() ([]interface{}, error) {
	return b.rows[b.index-1], nil
}

func (b *batchSource) Err() error {
	return nil
}

// BatchProcessor provides a high-level API for ledger batch writes with logging.
type BatchProcessor struct {
	db     *DB
	logger *slog.Logger
}

func NewBatchProcessor(db *DB, logger *slog.Logger) *BatchProcessor {
	return &BatchProcessor{
		db:     db,
		logger: logger,
	}
}

// InsertLedgerBatch inserts ledger rows in batches with progress logging.
// Used when a single tick accumulates many sync-error rows at once, e.g.
// an account-level refresh rejection fanning out to every due listing.
func (bp *BatchProcessor) InsertLedgerBatch(ctx context.Context, tableName string, columns []string, records [][]interface{}) error {
	if len(records) == 0 {
		return nil
	}

	cfg := DefaultBatchConfig()
	cfg.OnProgress = func(processed, total int) {
		bp.logger.Debug("ledger_batch_progress",
			"table", tableName,
			"processed", processed,
			"total", total,
		)
	}

	startTime := time.Now()
	inserted, err := bp.db.BatchInsert(ctx, tableName, columns, records, cfg)
	elapsed := time.Since(startTime)

	if err != nil {
		bp.logger.Error("ledger_batch_failed",
			"table", tableName,
			"error", err,
			"inserted", inserted,
			"elapsed", elapsed.String(),
		)
		return err
	}

	bp.logger.Info("ledger_batch_complete",
		"table", tableName,
		"rows", inserted,
		"elapsed", elapsed.String(),
	)

	return nil
}
