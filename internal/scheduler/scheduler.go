// Package scheduler runs the per-tick selection-and-update cycle: pick due
// listings, one token refresh per account, compute the next price, submit
// through the rate-limited call layer, and record every outcome.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"listing-repricer/internal/marketplace"
	"listing-repricer/internal/models"
	"listing-repricer/internal/pricing"
)

// ListingStore is the slice of the listing mirror the scheduler needs.
// Claim/ApplyReduction/Skip/Cooldown are row-scoped conditional updates.
type ListingStore interface {
	SelectEligible(ctx context.Context, now time.Time, accountID string, listingID int64) ([]models.Listing, error)
	Claim(ctx context.Context, l models.Listing, until time.Time) (bool, error)
	ApplyReduction(ctx context.Context, l models.Listing, newPrice int64, nextAt time.Time, reason string) error
	Skip(ctx context.Context, listingID int64, nextAt time.Time) error
	Cooldown(ctx context.Context, listingID int64, until time.Time) error
	Release(ctx context.Context, listingID int64) error
}

// ErrorLedger records non-success outcomes. Nothing is ever silently
// dropped: every failure lands here.
type ErrorLedger interface {
	RecordError(ctx context.Context, row models.SyncErrorRow) error
	RecordErrors(ctx context.Context, rows []models.SyncErrorRow) error
}

// Submitter is the rate-limited call layer.
type Submitter interface {
	UpdatePrice(ctx context.Context, accountID string, cred marketplace.AccessCredential, itemID string, priceMinor int64, currency string) error
}

// CompSource supplies a snapshot of comparable sold prices for market-based
// listings. NoComparables is a valid answer (nil slice).
type CompSource interface {
	SoldComparables(ctx context.Context, l models.Listing) ([]int64, error)
}

// nopComps is the default when no comparable-sales feed is wired in;
// market-based listings then evaluate to NoChange and keep advancing.
type nopComps struct{}

func (nopComps) SoldComparables(context.Context, models.Listing) ([]int64, error) { return nil, nil }

type Config struct {
	// ClaimTTL bounds how long a claim hides a listing from other runs.
	ClaimTTL time.Duration

	// FailureCooldown pushes a permanently-failed listing forward.
	FailureCooldown time.Duration

	// Deadline is the tick's overall soft budget. Listings not reached
	// stay eligible for the next tick.
	Deadline time.Duration

	// MaxParallelAccounts bounds cross-account parallelism. Within an
	// account calls are strictly sequential.
	MaxParallelAccounts int
}

func (c *Config) applyDefaults() {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 6 * time.Hour
	}
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Minute
	}
	if c.MaxParallelAccounts <= 0 {
		c.MaxParallelAccounts = 8
	}
}

// Filter narrows a manual tick to one account or one listing. Zero value
// means a full tick.
type Filter struct {
	AccountID string
	ListingID int64
}

// Summary is what one tick did.
type Summary struct {
	Selected  int       `json:"selected"`
	Updated   int       `json:"updated"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

type Scheduler struct {
	log      *slog.Logger
	listings ListingStore
	ledger   ErrorLedger
	tokens   marketplace.TokenSource
	submit   Submitter
	comps    CompSource
	cfg      Config
}

func New(log *slog.Logger, listings ListingStore, ledger ErrorLedger, tokens marketplace.TokenSource, submit Submitter, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		log:      log,
		listings: listings,
		ledger:   ledger,
		tokens:   tokens,
		submit:   submit,
		comps:    nopComps{},
		cfg:      cfg,
	}
}

// WithComparables wires in a comparable-sales feed for market-based
// strategies.
func (s *Scheduler) WithComparables(src CompSource) *Scheduler {
	if src != nil {
		s.comps = src
	}
	return s
}

type tickCounters struct {
	updated int64
	skipped int64
	failed  int64
}

// RunTick executes one selection-and-update cycle. A failure in one account
// or listing never aborts the others; the returned error covers only
// tick-level problems (selection query failure).
func (s *Scheduler) RunTick(ctx context.Context, f Filter) (Summary, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	eligible, err := s.listings.SelectEligible(ctx, start, f.AccountID, f.ListingID)
	if err != nil {
		return Summary{StartedAt: start}, err
	}

	s.log.Info("tick_started",
		"eligible", len(eligible),
		"account_filter", f.AccountID,
		"listing_filter", f.ListingID,
	)

	// group by account; one token refresh round trip per account per tick
	byAccount := make(map[string][]models.Listing)
	for _, l := range eligible {
		byAccount[l.AccountID] = append(byAccount[l.AccountID], l)
	}

	accountIDs := make([]string, 0, len(byAccount))
	for id := range byAccount {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	var counters tickCounters

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelAccounts)
	for _, accountID := range accountIDs {
		g.Go(func() error {
			s.processAccount(gctx, accountID, byAccount[accountID], &counters)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{
		Selected:  len(eligible),
		Updated:   int(atomic.LoadInt64(&counters.updated)),
		Skipped:   int(atomic.LoadInt64(&counters.skipped)),
		Failed:    int(atomic.LoadInt64(&counters.failed)),
		StartedAt: start,
		Duration:  time.Since(start).String(),
	}

	s.log.Info("tick_finished",
		"selected", summary.Selected,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", summary.Duration,
	)

	return summary, nil
}

// processAccount handles one account's due listings sequentially. The
// access credential is request-scoped: fetched once here, passed explicitly
// to each call, gone when the function returns.
func (s *Scheduler) processAccount(ctx context.Context, accountID string, listings []models.Listing, counters *tickCounters) {
	sort.Slice(listings, func(i, j int) bool { return listings[i].ID < listings[j].ID })

	cred, err := s.tokens.AccessCredential(ctx, accountID)
	if err != nil {
		s.failAccount(ctx, accountID, listings, err, counters)
		return
	}

	for _, l := range listings {
		if ctx.Err() != nil {
			// deadline hit: remaining listings stay eligible for the
			// next tick
			s.log.Warn("tick_deadline_reached", "account_id", accountID, "listing_id", l.ID)
			return
		}
		s.processListing(ctx, l, cred, counters)
	}
}

func (s *Scheduler) processListing(ctx context.Context, l models.Listing, cred marketplace.AccessCredential, counters *tickCounters) {
	now := time.Now()

	claimed, err := s.listings.Claim(ctx, l, now.Add(s.cfg.ClaimTTL))
	if err != nil {
		s.recordFailure(ctx, l, "claim", err, counters)
		return
	}
	if !claimed {
		// another run owns it
		atomic.AddInt64(&counters.skipped, 1)
		return
	}

	comps, err := s.comps.SoldComparables(ctx, l)
	if err != nil {
		// comparables are advisory; fall through with none
		s.log.Warn("comparables_fetch_failed", "listing_id", l.ID, "error", err)
		comps = nil
	}

	decision, changed := pricing.Compute(l, now, comps)
	if !changed {
		if err := s.listings.Skip(ctx, l.ID, decision.NextEligibleAt); err != nil {
			s.recordFailure(ctx, l, "skip", err, counters)
			return
		}
		atomic.AddInt64(&counters.skipped, 1)
		return
	}

	if err := s.submit.UpdatePrice(ctx, l.AccountID, cred, l.ItemID, decision.NewPriceMinor, l.Currency); err != nil {
		s.recordFailure(ctx, l, "update_price", err, counters)
		if cdErr := s.listings.Cooldown(ctx, l.ID, now.Add(s.cfg.FailureCooldown)); cdErr != nil {
			s.log.Error("cooldown_failed", "listing_id", l.ID, "error", cdErr)
		}
		return
	}

	// remote accepted the absolute price; listing update + history append
	// commit together
	if err := s.listings.ApplyReduction(ctx, l, decision.NewPriceMinor, decision.NextEligibleAt, decision.Reason); err != nil {
		s.recordFailure(ctx, l, "apply_reduction", err, counters)
		if relErr := s.listings.Release(ctx, l.ID); relErr != nil {
			s.log.Error("release_failed", "listing_id", l.ID, "error", relErr)
		}
		return
	}

	atomic.AddInt64(&counters.updated, 1)
	s.log.Info("price_reduced",
		"listing_id", l.ID,
		"account_id", l.AccountID,
		"old_price", l.PriceMinor,
		"new_price", decision.NewPriceMinor,
		"reason", decision.Reason,
	)
}

// failAccount records an account-level failure (refresh rejected, decrypt
// failure, auth outage) against every due listing of the account and cools
// them all down. Other accounts are untouched.
func (s *Scheduler) failAccount(ctx context.Context, accountID string, listings []models.Listing, cause error, counters *tickCounters) {
	class := string(marketplace.ClassOf(cause))
	s.log.Warn("account_tick_failed",
		"account_id", accountID,
		"class", class,
		"listings", len(listings),
		"error", cause,
	)

	rows := make([]models.SyncErrorRow, 0, len(listings))
	until := time.Now().Add(s.cfg.FailureCooldown)
	for _, l := range listings {
		id := l.ID
		rows = append(rows, models.SyncErrorRow{
			AccountID: accountID,
			ListingID: &id,
			Op:        "token_exchange",
			Class:     class,
			Detail:    cause.Error(),
		})
		if marketplace.IsPermanent(cause) {
			if err := s.listings.Cooldown(ctx, l.ID, until); err != nil {
				s.log.Error("cooldown_failed", "listing_id", l.ID, "error", err)
			}
		}
		atomic.AddInt64(&counters.failed, 1)
	}

	if err := s.ledger.RecordErrors(ctx, rows); err != nil {
		s.log.Error("account_failure_ledger_write_failed", "account_id", accountID, "error", err)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, l models.Listing, op string, cause error, counters *tickCounters) {
	atomic.AddInt64(&counters.failed, 1)

	id := l.ID
	row := models.SyncErrorRow{
		AccountID: l.AccountID,
		ListingID: &id,
		Op:        op,
		Class:     string(marketplace.ClassOf(cause)),
		Detail:    cause.Error(),
	}
	if err := s.ledger.RecordError(ctx, row); err != nil {
		s.log.Error("failure_ledger_write_failed", "listing_id", l.ID, "error", err)
	}
}
