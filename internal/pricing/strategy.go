// Package pricing computes the next price for a listing. It is pure
// computation: no I/O, no clock reads, money as minor-unit integers and
// percentages as basis points so repeated reductions never drift.
package pricing

import (
	"fmt"
	"sort"
	"time"

	"listing-repricer/internal/models"
)

const (
	defaultInterval         = 7 * 24 * time.Hour
	defaultTargetPercentile = 25
	defaultMoveBP           = 5000 // move halfway toward the market target
)

// Decision is the outcome of a strategy evaluation. NextEligibleAt is valid
// even when no price change results, so the scheduler can always advance a
// listing instead of re-evaluating it on every tick.
type Decision struct {
	NewPriceMinor  int64
	NextEligibleAt time.Time
	Reason         string
}

// Compute evaluates the listing's strategy at time now. comps is a snapshot
// of comparable recently-sold prices in minor units; only the market-based
// strategy reads it. The second return value is false for NoChange.
//
// Invariants: a returned price satisfies floor <= new < current. A computed
// price at or above current (market moved up, rounding) is NoChange; the
// engine never raises a price automatically.
func Compute(l models.Listing, now time.Time, comps []int64) (Decision, bool) {
	interval := l.Params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	d := Decision{
		NewPriceMinor:  l.PriceMinor,
		NextEligibleAt: now.Add(interval),
	}

	if l.PriceMinor <= l.FloorMinor {
		return d, false
	}

	var target int64
	switch l.Strategy {
	case models.StrategyFixedPercentage:
		target = reduceByBP(l.PriceMinor, l.Params.PercentBP)
		d.Reason = string(models.StrategyFixedPercentage)

	case models.StrategyTimeBased:
		bp, tier := timeBasedBP(l, now, interval)
		target = reduceByBP(l.PriceMinor, bp)
		d.Reason = fmt.Sprintf("%s_tier_%d", models.StrategyTimeBased, tier)

	case models.StrategyMarketBased:
		var ok bool
		target, ok = marketTarget(l, comps)
		if !ok {
			return d, false
		}
		d.Reason = string(models.StrategyMarketBased)

	default:
		return d, false
	}

	if target < l.FloorMinor {
		target = l.FloorMinor
	}
	if target >= l.PriceMinor {
		return d, false
	}

	d.NewPriceMinor = target
	return d, true
}

// reduceByBP applies a basis-point cut with integer math, rounding the cut
// down so the result never undershoots the intended price.
func reduceByBP(price int64, bp int) int64 {
	if bp <= 0 {
		return price
	}
	if bp >= 10000 {
		return 0
	}
	return price - price*int64(bp)/10000
}

// timeBasedBP escalates the cut as the listing ages: the configured
// percentage once per elapsed interval, capped by StepCapBP when set.
func timeBasedBP(l models.Listing, now time.Time, interval time.Duration) (bp int, tier int) {
	age := now.Sub(l.ListedAt)
	if age < 0 {
		age = 0
	}
	tier = int(age / interval)
	if tier < 1 {
		tier = 1
	}

	bp = l.Params.PercentBP * tier
	if l.Params.StepCapBP > 0 && bp > l.Params.StepCapBP {
		bp = l.Params.StepCapBP
	}
	return bp, tier
}

// marketTarget derives a price from comparable sold prices: take a low
// percentile of the comparables, then move the current price a configured
// fraction of the way toward it, bounded by a maximum single-step cut so
// sparse or noisy comparables cannot over-correct.
func marketTarget(l models.Listing, comps []int64) (int64, bool) {
	if len(comps) == 0 {
		return 0, false
	}

	pct := l.Params.TargetPercentile
	if pct <= 0 || pct > 100 {
		pct = defaultTargetPercentile
	}
	anchor := percentile(comps, pct)
	if anchor >= l.PriceMinor {
		return 0, false
	}

	moveBP := l.Params.MoveBP
	if moveBP <= 0 || moveBP > 10000 {
		moveBP = defaultMoveBP
	}
	cut := (l.PriceMinor - anchor) * int64(moveBP) / 10000

	if l.Params.StepCapBP > 0 {
		maxCut := l.PriceMinor * int64(l.Params.StepCapBP) / 10000
		if cut > maxCut {
			cut = maxCut
		}
	}
	if cut <= 0 {
		return 0, false
	}

	return l.PriceMinor - cut, true
}

// percentile returns the pth percentile of values (nearest-rank on a sorted
// copy). values is not modified.
func percentile(values []int64, p int) int64 {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (p*(len(sorted)-1) + 50) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
