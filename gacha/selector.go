/*
Package gacha implements weighted draws over a finite prize pool.

PURPOSE:
  Given the pool, a no-win mass and a uniform random value r in [0, 1), pick
  one prize entry or no-win. Sold-out entries are excluded before the total
  weight is computed, so they can never be selected.

SELECTION:
  Eligible entries are taken in ascending ID order. With weights w_i and
  no-win mass m:

    total = m + sum(w_i)
    P(i)  = w_i / total
    P(no-win) = m / total

  The interval [0, total) is partitioned in that order, no-win mass last,
  and r * total picks the partition. An empty eligible set with m = 0 has
  no interval at all and resolves to no-win.

  Weight arithmetic uses decimal.Decimal. Configured weights are decimal
  strings like "0.01"; binary floats would bias the partition edges.

SEE ALSO:
  - pity.go: Accumulated-draw threshold
  - redemption/engine.go: Applies the selection to the store
*/
package gacha

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one prize as the selector sees it.
type Entry struct {
	ID        string
	Weight    decimal.Decimal
	Remaining int64
}

// Eligible reports whether the entry may be selected.
func (e Entry) Eligible() bool {
	return e.Remaining > 0 && e.Weight.IsPositive()
}

// Eligible returns the selectable entries in ascending ID order.
func Eligible(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Eligible() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// SELECTION
// =============================================================================

// Select picks an entry for the random value r. It returns the chosen ID
// and true, or "" and false for no-win. r outside [0, 1) is clamped.
func Select(entries []Entry, noWinMass decimal.Decimal, r float64) (string, bool) {
	eligible := Eligible(entries)
	if noWinMass.IsNegative() {
		noWinMass = decimal.Zero
	}

	total := noWinMass
	for _, e := range eligible {
		total = total.Add(e.Weight)
	}
	if !total.IsPositive() {
		return "", false
	}

	point := total.Mul(decimal.NewFromFloat(clamp(r)))
	cumulative := decimal.Zero
	for _, e := range eligible {
		cumulative = cumulative.Add(e.Weight)
		if point.LessThan(cumulative) {
			return e.ID, true
		}
	}
	return "", false
}

// Probabilities returns the exact chance of each eligible entry, keyed by
// ID, plus the no-win chance. Sold-out entries are absent from the map.
func Probabilities(entries []Entry, noWinMass decimal.Decimal) (map[string]decimal.Decimal, decimal.Decimal) {
	eligible := Eligible(entries)
	if noWinMass.IsNegative() {
		noWinMass = decimal.Zero
	}
	total := noWinMass
	for _, e := range eligible {
		total = total.Add(e.Weight)
	}

	probs := make(map[string]decimal.Decimal, len(eligible))
	if !total.IsPositive() {
		return probs, decimal.NewFromInt(1)
	}
	for _, e := range eligible {
		probs[e.ID] = e.Weight.DivRound(total, 16)
	}
	return probs, noWinMass.DivRound(total, 16)
}

// Take decrements the remaining count of id in place. It is used to keep a
// batch's snapshot in step with stock already taken earlier in the batch.
func Take(entries []Entry, id string) {
	for i := range entries {
		if entries[i].ID == id && entries[i].Remaining > 0 {
			entries[i].Remaining--
			return
		}
	}
}

func clamp(r float64) float64 {
	switch {
	case r < 0 || math.IsNaN(r):
		return 0
	case r >= 1:
		return 0.9999999999999999
	default:
		return r
	}
}
