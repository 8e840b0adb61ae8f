package store

import (
	"context"
	"fmt"

	"listing-repricer/internal/db"
)

// Migrate creates the core tables if they do not exist. Statements are
// idempotent so every binary can run this at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id              TEXT PRIMARY KEY,
		refresh_credential_enc  TEXT,
		status                  TEXT NOT NULL DEFAULT 'disconnected',
		connected_at            TIMESTAMPTZ,
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS listings (
		id                BIGSERIAL PRIMARY KEY,
		account_id        TEXT NOT NULL REFERENCES accounts(account_id),
		item_id           TEXT NOT NULL,
		price_minor       BIGINT NOT NULL,
		floor_minor       BIGINT NOT NULL DEFAULT 0,
		currency          TEXT NOT NULL DEFAULT 'USD',
		strategy          TEXT NOT NULL DEFAULT 'fixed_percentage',
		percent_bp        INT NOT NULL DEFAULT 0,
		interval_seconds  BIGINT NOT NULL DEFAULT 604800,
		step_cap_bp       INT NOT NULL DEFAULT 0,
		target_percentile INT NOT NULL DEFAULT 0,
		move_bp           INT NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'active',
		reduction_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		next_eligible_at  TIMESTAMPTZ,
		last_synced_at    TIMESTAMPTZ,
		listed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		archived_at       TIMESTAMPTZ,
		processing_until  TIMESTAMPTZ
	)`,

	// (account, item) unique among non-archived rows only; archived rows
	// stay behind for history
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_account_item
		ON listings (account_id, item_id)
		WHERE status != 'archived'`,

	`CREATE INDEX IF NOT EXISTS idx_listings_due
		ON listings (next_eligible_at)
		WHERE status = 'active' AND reduction_enabled`,

	`CREATE TABLE IF NOT EXISTS price_history (
		id              BIGSERIAL PRIMARY KEY,
		listing_id      BIGINT NOT NULL REFERENCES listings(id),
		old_price_minor BIGINT NOT NULL,
		new_price_minor BIGINT NOT NULL,
		reason          TEXT NOT NULL,
		applied_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_price_history_listing
		ON price_history (listing_id, applied_at DESC)`,

	`CREATE TABLE IF NOT EXISTS sync_errors (
		id          BIGSERIAL PRIMARY KEY,
		account_id  TEXT NOT NULL,
		listing_id  BIGINT,
		op          TEXT NOT NULL,
		class       TEXT NOT NULL,
		detail      TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sync_errors_listing
		ON sync_errors (listing_id, occurred_at DESC)`,
}

func Migrate(ctx context.Context, d *db.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
