package index

import (
	"context"
	"fmt"
)

// =============================================================================
// CATALOG - Read surface over stored indexes
// =============================================================================

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Catalog answers index queries. It only ever sees indexes of completed
// tasks; the store enforces that.
type Catalog struct {
	Store IndexStore
}

// NewCatalog returns a catalog over store.
func NewCatalog(store IndexStore) *Catalog {
	return &Catalog{Store: store}
}

// Query returns one page of indexes matching filter.
func (c *Catalog) Query(ctx context.Context, filter IndexFilter) (Page[CostIndex], error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	switch {
	case filter.PageSize <= 0:
		filter.PageSize = DefaultPageSize
	case filter.PageSize > MaxPageSize:
		filter.PageSize = MaxPageSize
	}
	return c.Store.QueryIndexes(ctx, filter)
}

// All returns every index matching filter, walking the pages.
func (c *Catalog) All(ctx context.Context, filter IndexFilter) ([]CostIndex, error) {
	filter.PageSize = MaxPageSize
	var out []CostIndex
	for page := 1; ; page++ {
		filter.Page = page
		p, err := c.Store.QueryIndexes(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Items...)
		if len(p.Items) < filter.PageSize || len(out) >= p.Total {
			return out, nil
		}
	}
}

// Get returns one visible index.
func (c *Catalog) Get(ctx context.Context, id string) (*CostIndex, error) {
	idx, err := c.Store.GetIndex(ctx, id)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, NewNotFound("index", id)
	}
	return idx, nil
}

// Samples returns the audit trail of an index.
func (c *Catalog) Samples(ctx context.Context, id string) ([]IndexSample, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	samples, err := c.Store.ListSamples(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list samples of %s: %w", id, err)
	}
	return samples, nil
}

// Lookup returns the current index for an exact dimension tuple, or nil.
func (c *Catalog) Lookup(ctx context.Context, d Dimensions) (*CostIndex, error) {
	items, err := c.All(ctx, IndexFilter{
		TagCode:       d.TagCode,
		Space:         d.Space,
		Profession:    d.Profession,
		PriceBaseDate: d.PriceBaseDate,
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ScaleRangeCode == d.ScaleRangeCode && items[i].RegionCode == d.RegionCode {
			return &items[i], nil
		}
	}
	return nil, nil
}

// Current returns the non-superseded indexes of a price base date keyed by
// dimension tuple. Incremental runs compare digests against it.
func (c *Catalog) Current(ctx context.Context, priceBaseDate string) (map[string]CostIndex, error) {
	items, err := c.All(ctx, IndexFilter{PriceBaseDate: priceBaseDate})
	if err != nil {
		return nil, err
	}
	out := make(map[string]CostIndex, len(items))
	for _, idx := range items {
		out[idx.Dimensions.Key()] = idx
	}
	return out, nil
}
