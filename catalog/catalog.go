/*
Package catalog provides JSON to Go catalog conversion.

PURPOSE:
  Converts a JSON catalog definition (redeemable items and the prize pool)
  into redemption.CatalogItem and redemption.PrizeEntry values and seeds
  them into a store. Operators edit the JSON file; the server seeds it at
  startup without code changes.

JSON SCHEMA:
  {
    "items": [
      {"id": "sticker", "name": "Sticker Pack", "cost": 3, "quantity": 50}
    ],
    "prizes": [
      {"id": "plush", "name": "Taiyaki Plush", "weight": "0.05", "quantity": 10}
    ]
  }

  weight is a decimal string (or JSON number) in (0, 1].

SEEDING:
  Apply never overwrites a row that already exists. Stock counters live in
  the store once seeded; restarting the server with the same file does not
  refill anything.

SEE ALSO:
  - redemption/store.go: CatalogWriter interface
  - gacha/selector.go: How weights become probabilities
*/
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/taiyaki/reward-engine/redemption"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a seed file.
type CatalogJSON struct {
	Items  []ItemJSON  `json:"items"`
	Prizes []PrizeJSON `json:"prizes"`
}

// ItemJSON represents one redeemable item.
type ItemJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Cost     int64  `json:"cost"`
	Quantity int64  `json:"quantity"`
}

// PrizeJSON represents one prize pool entry.
type PrizeJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Weight   decimal.Decimal `json:"weight"`
	Quantity int64           `json:"quantity"`
}

// Catalog is a validated seed.
type Catalog struct {
	Items  []redemption.CatalogItem
	Prizes []redemption.PrizeEntry
}

// SeedReport counts what Apply inserted and what was already present.
type SeedReport struct {
	ItemsCreated  int `json:"items_created"`
	ItemsKept     int `json:"items_kept"`
	PrizesCreated int `json:"prizes_created"`
	PrizesKept    int `json:"prizes_kept"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse parses and validates a JSON catalog.
func Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromJSON(cj)
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// FromJSON validates cj and converts it to domain values.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	c := &Catalog{}

	seen := make(map[string]bool)
	for i, ij := range cj.Items {
		if err := validateID("item", i, ij.ID, seen); err != nil {
			return nil, err
		}
		if ij.Cost <= 0 {
			return nil, fmt.Errorf("item %q: cost must be positive, got %d", ij.ID, ij.Cost)
		}
		if ij.Quantity < 0 {
			return nil, fmt.Errorf("item %q: quantity must not be negative, got %d", ij.ID, ij.Quantity)
		}
		c.Items = append(c.Items, redemption.CatalogItem{
			ID:        redemption.ItemID(ij.ID),
			Name:      nameOr(ij.Name, ij.ID),
			Cost:      redemption.Points(ij.Cost),
			Remaining: ij.Quantity,
		})
	}

	seen = make(map[string]bool)
	one := decimal.NewFromInt(1)
	for i, pj := range cj.Prizes {
		if err := validateID("prize", i, pj.ID, seen); err != nil {
			return nil, err
		}
		if !pj.Weight.IsPositive() || pj.Weight.GreaterThan(one) {
			return nil, fmt.Errorf("prize %q: weight must be in (0, 1], got %s", pj.ID, pj.Weight)
		}
		if pj.Quantity < 0 {
			return nil, fmt.Errorf("prize %q: quantity must not be negative, got %d", pj.ID, pj.Quantity)
		}
		c.Prizes = append(c.Prizes, redemption.PrizeEntry{
			ID:        redemption.PrizeID(pj.ID),
			Name:      nameOr(pj.Name, pj.ID),
			Weight:    pj.Weight,
			Remaining: pj.Quantity,
		})
	}

	return c, nil
}

// ToJSON converts domain values back into the seed schema, e.g. to dump
// the current state of a store.
func ToJSON(items []redemption.CatalogItem, prizes []redemption.PrizeEntry) CatalogJSON {
	cj := CatalogJSON{Items: []ItemJSON{}, Prizes: []PrizeJSON{}}
	for _, it := range items {
		cj.Items = append(cj.Items, ItemJSON{
			ID: string(it.ID), Name: it.Name, Cost: int64(it.Cost), Quantity: it.Remaining,
		})
	}
	for _, p := range prizes {
		cj.Prizes = append(cj.Prizes, PrizeJSON{
			ID: string(p.ID), Name: p.Name, Weight: p.Weight, Quantity: p.Remaining,
		})
	}
	return cj
}

// =============================================================================
// SEEDING
// =============================================================================

// Apply inserts every item and prize that the store does not know yet.
func (c *Catalog) Apply(ctx context.Context, w redemption.CatalogWriter) (SeedReport, error) {
	var report SeedReport
	for _, item := range c.Items {
		created, err := w.SeedItem(ctx, item)
		if err != nil {
			return report, fmt.Errorf("seed item %s: %w", item.ID, err)
		}
		if created {
			report.ItemsCreated++
		} else {
			report.ItemsKept++
		}
	}
	for _, prize := range c.Prizes {
		created, err := w.SeedPrize(ctx, prize)
		if err != nil {
			return report, fmt.Errorf("seed prize %s: %w", prize.ID, err)
		}
		if created {
			report.PrizesCreated++
		} else {
			report.PrizesKept++
		}
	}
	return report, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func validateID(kind string, index int, id string, seen map[string]bool) error {
	if id == "" {
		return fmt.Errorf("%s #%d: id is required", kind, index)
	}
	if seen[id] {
		return fmt.Errorf("%s %q: duplicate id", kind, id)
	}
	seen[id] = true
	return nil
}

func nameOr(name, id string) string {
	if name == "" {
		return id
	}
	return name
}
