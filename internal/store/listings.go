package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"listing-repricer/internal/db"
	"listing-repricer/internal/models"
)

// ErrStaleListing is returned when an optimistic update finds the row
// changed underneath it (concurrent tick or a manual price edit).
var ErrStaleListing = errors.New("listing changed since read")

// Listings is the mirror of marketplace items plus the claim/update
// operations the scheduler needs. Every mutation here is a row-scoped
// conditional update; there are no broad unconditional writes.
type Listings struct {
	db  *db.DB
	log *slog.Logger
}

func NewListings(log *slog.Logger, dbConn *db.DB) *Listings {
	return &Listings{db: dbConn, log: log}
}

const listingColumns = `id, account_id, item_id, price_minor, floor_minor, currency,
	strategy, percent_bp, interval_seconds, step_cap_bp, target_percentile, move_bp,
	status, reduction_enabled, next_eligible_at, last_synced_at, listed_at, archived_at`

func scanListing(row interface{ Scan(...any) error }) (models.Listing, error) {
	var l models.Listing
	var intervalSeconds int64
	err := row.Scan(
		&l.ID, &l.AccountID, &l.ItemID, &l.PriceMinor, &l.FloorMinor, &l.Currency,
		&l.Strategy, &l.Params.PercentBP, &intervalSeconds, &l.Params.StepCapBP,
		&l.Params.TargetPercentile, &l.Params.MoveBP,
		&l.Status, &l.ReductionEnabled, &l.NextEligibleAt, &l.LastSyncedAt,
		&l.ListedAt, &l.ArchivedAt,
	)
	if err != nil {
		return models.Listing{}, err
	}
	l.Params.Interval = time.Duration(intervalSeconds) * time.Second
	return l, nil
}

// SelectEligible returns listings due for evaluation at now: active,
// reduction enabled, next_eligible_at elapsed (or never set), priced above
// floor, and not claimed by a live tick. Ordered by account then id so
// processing within an account is deterministic.
func (s *Listings) SelectEligible(ctx context.Context, now time.Time, accountID string, listingID int64) ([]models.Listing, error) {
	q := `SELECT ` + listingColumns + `
		FROM listings
		WHERE status = 'active'
		  AND reduction_enabled
		  AND (next_eligible_at IS NULL OR next_eligible_at <= $1)
		  AND price_minor > floor_minor
		  AND (processing_until IS NULL OR processing_until < $1)`
	args := []any{now}

	if accountID != "" {
		args = append(args, accountID)
		q += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if listingID > 0 {
		args = append(args, listingID)
		q += fmt.Sprintf(" AND id = $%d", len(args))
	}
	q += " ORDER BY account_id, id ASC"

	rows, err := s.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}
	defer rows.Close()

	listings := make([]models.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// Claim marks a listing as being processed. Conditional on the
// next-eligible timestamp still matching what the tick read, so a second
// concurrent run sees zero rows affected and skips the listing.
func (s *Listings) Claim(ctx context.Context, l models.Listing, until time.Time) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE listings
		 SET processing_until = $1
		 WHERE id = $2
		   AND status = 'active'
		   AND next_eligible_at IS NOT DISTINCT FROM $3
		   AND (processing_until IS NULL OR processing_until < NOW())`,
		until,
		l.ID,
		l.NextEligibleAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim listing %d: %w", l.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyReduction commits a successful price change: the listing update and
// the price-history append happen in one transaction, together or not at
// all. The update is conditional on the old price so a concurrent manual
// edit surfaces as ErrStaleListing instead of being overwritten.
func (s *Listings) ApplyReduction(ctx context.Context, l models.Listing, newPrice int64, nextAt time.Time, reason string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE listings
		 SET price_minor = $1,
		     next_eligible_at = $2,
		     last_synced_at = NOW(),
		     processing_until = NULL
		 WHERE id = $3 AND price_minor = $4`,
		newPrice,
		nextAt,
		l.ID,
		l.PriceMinor,
	)
	if err != nil {
		return fmt.Errorf("update listing %d: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleListing
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_history (listing_id, old_price_minor, new_price_minor, reason, applied_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		l.ID,
		l.PriceMinor,
		newPrice,
		reason,
	)
	if err != nil {
		return fmt.Errorf("append price history: %w", err)
	}

	return tx.Commit(ctx)
}

// Skip releases the claim and advances the next-eligible timestamp after a
// NoChange outcome, so the listing is not re-evaluated on every tick.
func (s *Listings) Skip(ctx context.Context, listingID int64, nextAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE listings
		 SET next_eligible_at = $1, processing_until = NULL
		 WHERE id = $2`,
		nextAt,
		listingID,
	)
	return err
}

// Cooldown pushes a permanently-failing listing forward so it is not
// re-attempted on every tick. Price stays untouched.
func (s *Listings) Cooldown(ctx context.Context, listingID int64, until time.Time) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE listings
		 SET next_eligible_at = $1, processing_until = NULL
		 WHERE id = $2`,
		until,
		listingID,
	)
	return err
}

// Release drops the claim without touching scheduling state. Used when a
// tick aborts between claim and outcome.
func (s *Listings) Release(ctx context.Context, listingID int64) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE listings SET processing_until = NULL WHERE id = $1`,
		listingID,
	)
	return err
}

// Upsert mirrors an external listing into the local store. Used by the
// sync ingest; scheduling fields of an existing row are preserved.
func (s *Listings) Upsert(ctx context.Context, l models.Listing) (int64, error) {
	var id int64
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO listings
			(account_id, item_id, price_minor, floor_minor, currency, strategy,
			 percent_bp, interval_seconds, step_cap_bp, target_percentile, move_bp,
			 status, reduction_enabled, listed_at, last_synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, NOW()), NOW())
		 ON CONFLICT (account_id, item_id) WHERE status != 'archived' DO UPDATE
		 SET price_minor = EXCLUDED.price_minor,
		     floor_minor = EXCLUDED.floor_minor,
		     currency = EXCLUDED.currency,
		     strategy = EXCLUDED.strategy,
		     percent_bp = EXCLUDED.percent_bp,
		     interval_seconds = EXCLUDED.interval_seconds,
		     step_cap_bp = EXCLUDED.step_cap_bp,
		     target_percentile = EXCLUDED.target_percentile,
		     move_bp = EXCLUDED.move_bp,
		     status = EXCLUDED.status,
		     reduction_enabled = EXCLUDED.reduction_enabled,
		     last_synced_at = NOW()
		 RETURNING id`,
		l.AccountID, l.ItemID, l.PriceMinor, l.FloorMinor, l.Currency, string(l.Strategy),
		l.Params.PercentBP, int64(l.Params.Interval/time.Second), l.Params.StepCapBP,
		l.Params.TargetPercentile, l.Params.MoveBP,
		string(l.Status), l.ReductionEnabled, nullableTime(l.ListedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert listing %s/%s: %w", l.AccountID, l.ItemID, err)
	}
	return id, nil
}

// Archive soft-deletes a listing; history rows stay attached.
func (s *Listings) Archive(ctx context.Context, listingID int64) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE listings
		 SET status = 'archived', archived_at = NOW(), reduction_enabled = FALSE
		 WHERE id = $1 AND status != 'archived'`,
		listingID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleListing
	}
	return nil
}

// Get returns one listing by id, archived or not.
func (s *Listings) Get(ctx context.Context, listingID int64) (models.Listing, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`,
		listingID,
	)
	return scanListing(row)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
