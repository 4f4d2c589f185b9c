package gacha_test

import (
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taiyaki/reward-engine/gacha"
)

func w(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pool() []gacha.Entry {
	return []gacha.Entry{
		{ID: "b-sticker", Weight: w("0.3"), Remaining: 10},
		{ID: "a-plush", Weight: w("0.1"), Remaining: 1},
		{ID: "c-mug", Weight: w("0.1"), Remaining: 0},
	}
}

// =============================================================================
// SELECTION TESTS
// =============================================================================

func TestSelect_PartitionsInAscendingIDOrder(t *testing.T) {
	// GIVEN: a-plush 0.1, b-sticker 0.3, c-mug sold out, no-win mass 0.6
	// WHEN: Selecting at points across the interval
	// THEN: [0, 0.1) -> a-plush, [0.1, 0.4) -> b-sticker, rest -> no-win

	entries := pool()
	m := w("0.6")

	id, ok := gacha.Select(entries, m, 0.05)
	assert.True(t, ok)
	assert.Equal(t, "a-plush", id)

	id, ok = gacha.Select(entries, m, 0.1)
	assert.True(t, ok)
	assert.Equal(t, "b-sticker", id)

	id, ok = gacha.Select(entries, m, 0.399)
	assert.True(t, ok)
	assert.Equal(t, "b-sticker", id)

	_, ok = gacha.Select(entries, m, 0.4)
	assert.False(t, ok, "remaining mass is no-win")
}

func TestSelect_SoldOutNeverSelected(t *testing.T) {
	entries := []gacha.Entry{
		{ID: "gone", Weight: w("1"), Remaining: 0},
	}

	for _, r := range []float64{0, 0.25, 0.5, 0.9999} {
		_, ok := gacha.Select(entries, w("1"), r)
		assert.False(t, ok, "r=%v", r)
	}
}

func TestSelect_EmptyPoolZeroMass_IsNoWin(t *testing.T) {
	_, ok := gacha.Select(nil, decimal.Zero, 0.5)
	assert.False(t, ok)

	_, ok = gacha.Select([]gacha.Entry{{ID: "x", Weight: w("0.5"), Remaining: 0}}, decimal.Zero, 0.5)
	assert.False(t, ok)
}

func TestSelect_ZeroMass_AlwaysWinsWhenStockExists(t *testing.T) {
	entries := []gacha.Entry{{ID: "only", Weight: w("0.01"), Remaining: 1}}

	for _, r := range []float64{0, 0.5, 0.999999, 1, 7} {
		id, ok := gacha.Select(entries, decimal.Zero, r)
		require.True(t, ok, "r=%v", r)
		assert.Equal(t, "only", id)
	}
}

func TestSelect_ClampsOutOfRange(t *testing.T) {
	entries := pool()

	id, ok := gacha.Select(entries, w("0.6"), -3)
	assert.True(t, ok)
	assert.Equal(t, "a-plush", id)

	_, ok = gacha.Select(entries, w("0.6"), 1.5)
	assert.False(t, ok)
}

// =============================================================================
// DISTRIBUTION TESTS
// =============================================================================

func TestProbabilities_ExcludeSoldOut(t *testing.T) {
	probs, noWin := gacha.Probabilities(pool(), w("0.6"))

	require.Len(t, probs, 2)
	assert.True(t, probs["a-plush"].Equal(w("0.1")))
	assert.True(t, probs["b-sticker"].Equal(w("0.3")))
	assert.True(t, noWin.Equal(w("0.6")))
	_, present := probs["c-mug"]
	assert.False(t, present)
}

func TestProbabilities_NormalizeOverEligibleMass(t *testing.T) {
	// GIVEN: weights 0.2 and 0.2 with mass 0.1
	// THEN: each prize has 0.4, no-win 0.2
	entries := []gacha.Entry{
		{ID: "x", Weight: w("0.2"), Remaining: 5},
		{ID: "y", Weight: w("0.2"), Remaining: 5},
	}
	probs, noWin := gacha.Probabilities(entries, w("0.1"))

	assert.True(t, probs["x"].Equal(w("0.4")), probs["x"].String())
	assert.True(t, probs["y"].Equal(w("0.4")))
	assert.True(t, noWin.Equal(w("0.2")))
}

func TestSelect_FrequenciesMatchWeights(t *testing.T) {
	// A seeded source keeps the test deterministic.
	rng := rand.New(rand.NewPCG(7, 11))
	entries := []gacha.Entry{
		{ID: "rare", Weight: w("0.05"), Remaining: 1 << 30},
		{ID: "common", Weight: w("0.45"), Remaining: 1 << 30},
	}

	const n = 100000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		id, ok := gacha.Select(entries, w("0.5"), rng.Float64())
		if !ok {
			id = "no-win"
		}
		counts[id]++
	}

	assert.InDelta(t, 0.05, float64(counts["rare"])/n, 0.01)
	assert.InDelta(t, 0.45, float64(counts["common"])/n, 0.01)
	assert.InDelta(t, 0.50, float64(counts["no-win"])/n, 0.01)
}

func TestTake_DecrementsSnapshot(t *testing.T) {
	entries := pool()

	gacha.Take(entries, "a-plush")
	gacha.Take(entries, "a-plush")

	assert.Equal(t, int64(0), entries[1].Remaining, "never below zero")
	_, ok := gacha.Select(entries, decimal.Zero, 0.01)
	assert.True(t, ok, "b-sticker still eligible")
	id, _ := gacha.Select(entries, decimal.Zero, 0.01)
	assert.Equal(t, "b-sticker", id)
}

func TestPity(t *testing.T) {
	p := gacha.Pity{Threshold: 35}

	assert.False(t, p.Reached(34))
	assert.True(t, p.Reached(35))
	assert.True(t, p.Reached(70))
	assert.Equal(t, int64(1), p.Remaining(34))
	assert.Equal(t, int64(0), p.Remaining(40))

	assert.False(t, gacha.Pity{}.Reached(100), "zero threshold disables pity")
}
