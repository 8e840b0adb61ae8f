package models

import "time"

type AccountStatus string

const (
	AccountDisconnected AccountStatus = "disconnected"
	AccountConnected    AccountStatus = "connected"
	AccountInvalid      AccountStatus = "invalid"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingEnded    ListingStatus = "ended"
	ListingArchived ListingStatus = "archived"
)

type Strategy string

const (
	StrategyFixedPercentage Strategy = "fixed_percentage"
	StrategyTimeBased       Strategy = "time_based"
	StrategyMarketBased     Strategy = "market_based"
)

// Account mirrors one marketplace seller account. The encrypted refresh
// credential deliberately does not appear here; it is read and written only
// by the credential store and never leaves that layer in struct form.
type Account struct {
	ID          string        `json:"id"`
	Status      AccountStatus `json:"status"`
	ConnectedAt *time.Time    `json:"connected_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// StrategyParams holds per-listing reduction configuration. All percentages
// are basis points (100 bp = 1%) so price math stays in integers.
type StrategyParams struct {
	PercentBP        int           `json:"percent_bp"`
	Interval         time.Duration `json:"interval"`
	StepCapBP        int           `json:"step_cap_bp,omitempty"`
	TargetPercentile int           `json:"target_percentile,omitempty"`
	MoveBP           int           `json:"move_bp,omitempty"`
}

// Listing mirrors one marketplace item. Money is minor units (cents).
type Listing struct {
	ID               int64          `json:"id"`
	AccountID        string         `json:"account_id"`
	ItemID           string         `json:"item_id"`
	PriceMinor       int64          `json:"price_minor"`
	FloorMinor       int64          `json:"floor_minor"`
	Currency         string         `json:"currency"`
	Strategy         Strategy       `json:"strategy"`
	Params           StrategyParams `json:"params"`
	Status           ListingStatus  `json:"status"`
	ReductionEnabled bool           `json:"reduction_enabled"`
	NextEligibleAt   *time.Time     `json:"next_eligible_at,omitempty"`
	LastSyncedAt     *time.Time     `json:"last_synced_at,omitempty"`
	ListedAt         time.Time      `json:"listed_at"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
}

// PriceHistoryRow is one applied price change. Append-only, never mutated.
type PriceHistoryRow struct {
	ID            int64     `json:"id"`
	ListingID     int64     `json:"listing_id"`
	OldPriceMinor int64     `json:"old_price_minor"`
	NewPriceMinor int64     `json:"new_price_minor"`
	Reason        string    `json:"reason"`
	AppliedAt     time.Time `json:"applied_at"`
}

// SyncErrorRow is one failed or retried operation, for operator visibility.
type SyncErrorRow struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	ListingID  *int64    `json:"listing_id,omitempty"`
	Op         string    `json:"op"`
	Class      string    `json:"class"`
	Detail     string    `json:"detail,omitempty"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}
