// Package mapper links vendor catalog items to local products. Resolution
// runs a ladder: existing mapping, exact SKU, barcode, then fuzzy name match.
// Later rungs only run when earlier ones miss.
package mapper

import (
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/pkg/textx"
)

// Method records which rung of the ladder produced a match.
type Method string

const (
	MethodMapping Method = "mapping"
	MethodSKU     Method = "sku"
	MethodBarcode Method = "barcode"
	MethodFuzzy   Method = "fuzzy"
)

// FuzzyThreshold is the minimum name similarity for the last rung. Below it
// the item stays unmatched; a wrong link is worse than no link.
const FuzzyThreshold = 0.85

// Index is one tenant's catalog keyed for matching. Build it once per link
// pass; lookups are in-memory.
type Index struct {
	bySKU     map[string]domain.Product
	byBarcode map[string]domain.Product
	products  []domain.Product
}

const indexPageSize = 500

// BuildIndex pages the whole tenant catalog into an Index.
func BuildIndex(ctx domain.Context, repo domain.ProductRepository, tenantID string) (*Index, error) {
	ix := &Index{
		bySKU:     make(map[string]domain.Product),
		byBarcode: make(map[string]domain.Product),
	}
	for offset := 0; ; offset += indexPageSize {
		page, err := repo.List(ctx, tenantID, offset, indexPageSize)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			ix.Add(p)
		}
		if len(page) < indexPageSize {
			return ix, nil
		}
	}
}

// Add registers one product. Later duplicates on a normalized key keep the
// first entry.
func (ix *Index) Add(p domain.Product) {
	ix.products = append(ix.products, p)
	if key := textx.NormalizeKey(p.SKU); key != "" {
		if _, ok := ix.bySKU[key]; !ok {
			ix.bySKU[key] = p
		}
	}
	if key := textx.NormalizeKey(p.Barcode); key != "" {
		if _, ok := ix.byBarcode[key]; !ok {
			ix.byBarcode[key] = p
		}
	}
}

// Len reports the number of indexed products.
func (ix *Index) Len() int { return len(ix.products) }

// Match resolves a vendor item against the index. The vendor SKU is tried as
// a SKU and then as a barcode; many marketplaces put the EAN in their sku
// field. The fuzzy rung compares product names and takes the best score at or
// above FuzzyThreshold.
func (ix *Index) Match(item domain.NormalizedProduct) (domain.Product, Method, bool) {
	if key := textx.NormalizeKey(item.SKU); key != "" {
		if p, ok := ix.bySKU[key]; ok {
			return p, MethodSKU, true
		}
		if p, ok := ix.byBarcode[key]; ok {
			return p, MethodBarcode, true
		}
	}

	name := textx.NormalizeKey(item.Name)
	if name == "" {
		return domain.Product{}, "", false
	}
	var (
		best      domain.Product
		bestScore float64
	)
	for _, p := range ix.products {
		score := textx.Similarity(name, textx.NormalizeKey(p.Name))
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if bestScore >= FuzzyThreshold {
		return best, MethodFuzzy, true
	}
	return domain.Product{}, "", false
}
