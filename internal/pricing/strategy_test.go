package pricing

import (
	"testing"
	"time"

	"listing-repricer/internal/models"
)

func fixedListing(price, floor int64, bp int, interval time.Duration) models.Listing {
	return models.Listing{
		ID:         1,
		AccountID:  "acct-1",
		ItemID:     "item-1",
		PriceMinor: price,
		FloorMinor: floor,
		Currency:   "USD",
		Strategy:   models.StrategyFixedPercentage,
		Params: models.StrategyParams{
			PercentBP: bp,
			Interval:  interval,
		},
		Status:           models.ListingActive,
		ReductionEnabled: true,
	}
}

func TestFixedPercentage_BasicReduction(t *testing.T) {
	// 100.00, floor 50.00, 10%, 7 days
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l := fixedListing(10000, 5000, 1000, 7*24*time.Hour)

	d, changed := Compute(l, now, nil)
	if !changed {
		t.Fatal("expected a price change")
	}
	if d.NewPriceMinor != 9000 {
		t.Errorf("new price = %d, want 9000 (90.00)", d.NewPriceMinor)
	}
	want := now.Add(7 * 24 * time.Hour)
	if !d.NextEligibleAt.Equal(want) {
		t.Errorf("next eligible = %v, want %v", d.NextEligibleAt, want)
	}
}

func TestFixedPercentage_FloorClamp(t *testing.T) {
	// 52.00, floor 50.00, 10% -> computed 46.80 clamps to 50.00
	now := time.Now()
	l := fixedListing(5200, 5000, 1000, 7*24*time.Hour)

	d, changed := Compute(l, now, nil)
	if !changed {
		t.Fatal("expected a clamped price change")
	}
	if d.NewPriceMinor != 5000 {
		t.Errorf("new price = %d, want 5000 (clamped to floor)", d.NewPriceMinor)
	}

	// subsequent tick at the floor: NoChange
	l.PriceMinor = 5000
	if _, changed := Compute(l, now, nil); changed {
		t.Error("listing at floor must return NoChange")
	}
}

func TestFixedPercentage_AtFloorNoChange(t *testing.T) {
	now := time.Now()
	l := fixedListing(5000, 5000, 1000, time.Hour)

	d, changed := Compute(l, now, nil)
	if changed {
		t.Error("expected NoChange at floor")
	}
	if d.NextEligibleAt.Before(now) {
		t.Error("NoChange must still produce a forward next-eligible time")
	}
}

func TestFixedPercentage_MonotonicDecrease(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 3000, 700, time.Hour)

	for i := 0; i < 50; i++ {
		old := l.PriceMinor
		d, changed := Compute(l, now, nil)
		if !changed {
			if l.PriceMinor != l.FloorMinor {
				t.Fatalf("stopped above floor: %d", l.PriceMinor)
			}
			return
		}
		if d.NewPriceMinor >= old {
			t.Fatalf("price did not decrease: %d -> %d", old, d.NewPriceMinor)
		}
		if d.NewPriceMinor < l.FloorMinor {
			t.Fatalf("price %d fell below floor %d", d.NewPriceMinor, l.FloorMinor)
		}
		if d.NewPriceMinor <= 0 {
			t.Fatalf("price went non-positive: %d", d.NewPriceMinor)
		}
		l.PriceMinor = d.NewPriceMinor
	}
	t.Fatal("never converged to floor")
}

func TestTimeBased_EscalatesWithAge(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 500, 7*24*time.Hour) // 5% per week
	l.Strategy = models.StrategyTimeBased
	l.Params.StepCapBP = 2000

	// 1 week old: tier 1, 5% -> 95.00
	l.ListedAt = now.Add(-8 * 24 * time.Hour)
	d, changed := Compute(l, now, nil)
	if !changed || d.NewPriceMinor != 9500 {
		t.Errorf("tier 1: got %d, want 9500", d.NewPriceMinor)
	}

	// 3 weeks old: tier 3, 15% -> 85.00
	l.ListedAt = now.Add(-22 * 24 * time.Hour)
	d, changed = Compute(l, now, nil)
	if !changed || d.NewPriceMinor != 8500 {
		t.Errorf("tier 3: got %d, want 8500", d.NewPriceMinor)
	}

	// very old: capped at 20%
	l.ListedAt = now.Add(-365 * 24 * time.Hour)
	d, changed = Compute(l, now, nil)
	if !changed || d.NewPriceMinor != 8000 {
		t.Errorf("capped: got %d, want 8000", d.NewPriceMinor)
	}
}

func TestMarketBased_MovesTowardTarget(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 0, time.Hour)
	l.Strategy = models.StrategyMarketBased
	l.Params.TargetPercentile = 50
	l.Params.MoveBP = 5000 // move halfway

	// median of comps = 80.00; halfway from 100.00 -> 90.00
	comps := []int64{7000, 8000, 9000}
	d, changed := Compute(l, now, comps)
	if !changed {
		t.Fatal("expected a change")
	}
	if d.NewPriceMinor != 9000 {
		t.Errorf("got %d, want 9000", d.NewPriceMinor)
	}
}

func TestMarketBased_StepCapBoundsMove(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 0, time.Hour)
	l.Strategy = models.StrategyMarketBased
	l.Params.TargetPercentile = 50
	l.Params.MoveBP = 10000 // would move all the way
	l.Params.StepCapBP = 500

	comps := []int64{2000, 2000, 2000}
	d, changed := Compute(l, now, comps)
	if !changed {
		t.Fatal("expected a change")
	}
	// capped at a 5% single step
	if d.NewPriceMinor != 9500 {
		t.Errorf("got %d, want 9500 (step-capped)", d.NewPriceMinor)
	}
}

func TestMarketBased_MarketAboveCurrentNoChange(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 0, time.Hour)
	l.Strategy = models.StrategyMarketBased

	// comparables above current price: never auto-raise
	comps := []int64{12000, 13000, 15000}
	if _, changed := Compute(l, now, comps); changed {
		t.Error("expected NoChange when market is above current price")
	}
}

func TestMarketBased_NoComparablesNoChange(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 0, time.Hour)
	l.Strategy = models.StrategyMarketBased

	d, changed := Compute(l, now, nil)
	if changed {
		t.Error("expected NoChange without comparables")
	}
	if !d.NextEligibleAt.After(now) {
		t.Error("expected forward next-eligible time")
	}
}

func TestMarketBased_FloorClamp(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 9800, 0, time.Hour)
	l.Strategy = models.StrategyMarketBased
	l.Params.MoveBP = 10000

	comps := []int64{1000}
	d, changed := Compute(l, now, comps)
	if !changed {
		t.Fatal("expected a change")
	}
	if d.NewPriceMinor != 9800 {
		t.Errorf("got %d, want floor 9800", d.NewPriceMinor)
	}
}

func TestPercentile(t *testing.T) {
	values := []int64{5000, 1000, 3000, 2000, 4000}

	if got := percentile(values, 50); got != 3000 {
		t.Errorf("p50 = %d, want 3000", got)
	}
	if got := percentile(values, 25); got != 2000 {
		t.Errorf("p25 = %d, want 2000", got)
	}
	if got := percentile(values, 100); got != 5000 {
		t.Errorf("p100 = %d, want 5000", got)
	}

	// input untouched
	if values[0] != 5000 {
		t.Error("percentile must not mutate its input")
	}
}

func TestCompute_UnknownStrategyNoChange(t *testing.T) {
	now := time.Now()
	l := fixedListing(10000, 1000, 1000, time.Hour)
	l.Strategy = "typo_strategy"

	if _, changed := Compute(l, now, nil); changed {
		t.Error("unknown strategy must be NoChange")
	}
}
