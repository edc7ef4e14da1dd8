// Package pricing maintains the per-model price book and computes the cost
// of completed requests.
//
// Rates are expressed as currency units per one million tokens. Cost is
// computed with the rates in force at the moment the usage row is written
// and is never recomputed when prices change later.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"aiproxy/internal/db"
)

// Book reads and writes model rates through the store.
type Book struct {
	store db.PricingStore
}

// NewBook wraps the pricing tables of the given store.
func NewBook(store db.PricingStore) *Book {
	return &Book{store: store}
}

// Get returns the current rates for a model, or db.ErrNotFound.
func (b *Book) Get(ctx context.Context, model string) (*db.PricingRecord, error) {
	return b.store.GetModelPricing(ctx, model)
}

// List returns all price-book rows.
func (b *Book) List(ctx context.Context) ([]*db.PricingRecord, error) {
	return b.store.ListModelPricing(ctx)
}

// Set upserts the rates for a model and appends a history entry. Both writes
// happen in one transaction.
func (b *Book) Set(ctx context.Context, model string, inputPerMTok, outputPerMTok float64, changedBy string) error {
	if model == "" {
		return errors.New("pricing: model name required")
	}
	if inputPerMTok < 0 || outputPerMTok < 0 {
		return errors.New("pricing: rates must be non-negative")
	}
	if changedBy == "" {
		changedBy = "admin"
	}
	if err := b.store.SetModelPricing(ctx, model, inputPerMTok, outputPerMTok, changedBy); err != nil {
		return fmt.Errorf("set pricing for %s: %w", model, err)
	}
	return nil
}

// Delete removes a model from the price book. History entries are kept.
func (b *Book) Delete(ctx context.Context, model string) error {
	return b.store.DeleteModelPricing(ctx, model)
}

// History returns price changes newest first. An empty model covers all
// models.
func (b *Book) History(ctx context.Context, model string) ([]*db.PricingHistoryRecord, error) {
	return b.store.GetPricingHistory(ctx, model)
}

// Cost prices a request against the current book. Models with no price-book
// row cost zero.
func (b *Book) Cost(ctx context.Context, model string, promptTokens, completionTokens int) (float64, error) {
	rec, err := b.store.GetModelPricing(ctx, model)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("price lookup for %s: %w", model, err)
	}
	return CostAt(rec, promptTokens, completionTokens), nil
}

// CostAt prices token counts against a specific price-book row.
func CostAt(rec *db.PricingRecord, promptTokens, completionTokens int) float64 {
	in := float64(promptTokens) / 1e6 * rec.InputPerMTok
	out := float64(completionTokens) / 1e6 * rec.OutputPerMTok
	return in + out
}
