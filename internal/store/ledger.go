package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"listing-repricer/internal/db"
	"listing-repricer/internal/models"
)

// Ledger reads and writes the outcome tables: price_history (appended
// inside ApplyReduction's transaction) and sync_errors. Both tables are
// insert-only, so concurrent tick processes cannot corrupt them.
type Ledger struct {
	db    *db.DB
	log   *slog.Logger
	batch *db.BatchProcessor
}

func NewLedger(log *slog.Logger, dbConn *db.DB) *Ledger {
	return &Ledger{
		db:    dbConn,
		log:   log,
		batch: db.NewBatchProcessor(dbConn, log),
	}
}

var syncErrorColumns = []string{"account_id", "listing_id", "op", "class", "detail", "retry_count", "occurred_at"}

// RecordError appends one sync-error row. A failure to record is logged
// before being returned; callers never abort a tick over it.
func (lg *Ledger) RecordError(ctx context.Context, row models.SyncErrorRow) error {
	if row.OccurredAt.IsZero() {
		row.OccurredAt = time.Now()
	}
	_, err := lg.db.Pool.Exec(ctx,
		`INSERT INTO sync_errors (account_id, listing_id, op, class, detail, retry_count, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.AccountID, row.ListingID, row.Op, row.Class, row.Detail, row.RetryCount, row.OccurredAt,
	)
	if err != nil {
		lg.log.Error("sync_error_record_failed",
			"account_id", row.AccountID,
			"op", row.Op,
			"class", row.Class,
			"error", err,
		)
		return fmt.Errorf("record sync error: %w", err)
	}
	return nil
}

// RecordErrors appends many rows at once via the COPY batch path. Used when
// an account-level failure fans out to every due listing of the account.
func (lg *Ledger) RecordErrors(ctx context.Context, rows []models.SyncErrorRow) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) == 1 {
		return lg.RecordError(ctx, rows[0])
	}

	now := time.Now()
	records := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		occurred := r.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		records = append(records, []interface{}{
			r.AccountID, r.ListingID, r.Op, r.Class, r.Detail, r.RetryCount, occurred,
		})
	}

	return lg.batch.InsertLedgerBatch(ctx, "sync_errors", syncErrorColumns, records)
}

// History returns the most recent price changes for a listing.
func (lg *Ledger) History(ctx context.Context, listingID int64, limit int) ([]models.PriceHistoryRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := lg.db.Pool.Query(ctx,
		`SELECT id, listing_id, old_price_minor, new_price_minor, reason, applied_at
		 FROM price_history
		 WHERE listing_id = $1
		 ORDER BY applied_at DESC, id DESC
		 LIMIT $2`,
		listingID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PriceHistoryRow, 0)
	for rows.Next() {
		var r models.PriceHistoryRow
		if err := rows.Scan(&r.ID, &r.ListingID, &r.OldPriceMinor, &r.NewPriceMinor, &r.Reason, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Errors returns the most recent sync errors for a listing.
func (lg *Ledger) Errors(ctx context.Context, listingID int64, limit int) ([]models.SyncErrorRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := lg.db.Pool.Query(ctx,
		`SELECT id, account_id, listing_id, op, class, detail, retry_count, occurred_at
		 FROM sync_errors
		 WHERE listing_id = $1
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $2`,
		listingID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SyncErrorRow, 0)
	for rows.Next() {
		var r models.SyncErrorRow
		var detail *string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ListingID, &r.Op, &r.Class, &detail, &r.RetryCount, &r.OccurredAt); err != nil {
			return nil, err
		}
		if detail != nil {
			r.Detail = *detail
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HistorySince returns price changes applied after the cutoff, for the
// snapshot export job.
func (lg *Ledger) HistorySince(ctx context.Context, since time.Time) ([]models.PriceHistoryRow, error) {
	rows, err := lg.db.Pool.Query(ctx,
		`SELECT id, listing_id, old_price_minor, new_price_minor, reason, applied_at
		 FROM price_history
		 WHERE applied_at >= $1
		 ORDER BY applied_at ASC, id ASC`,
		since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PriceHistoryRow, 0)
	for rows.Next() {
		var r models.PriceHistoryRow
		if err := rows.Scan(&r.ID, &r.ListingID, &r.OldPriceMinor, &r.NewPriceMinor, &r.Reason, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
