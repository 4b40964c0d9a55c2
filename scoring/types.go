// Package scoring ranks scraped marketplace products. A deterministic
// formula (V1) always works; a composite (V2) blends it with AI-assessed
// niche and commission-sustainability signals when a provider is available.
// An AI outage degrades to deterministic estimators, never to a failure.
package scoring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Product is one scraped listing, the scoring input.
type Product struct {
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"` // percent, e.g. 30 = 30%
	Popularity float64 `json:"popularity"` // marketplace demand signal (sales, reviews)
	Category   string  `json:"category,omitempty"`
	ProductURL string  `json:"productUrl,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`
}

// Breakdown exposes the sub-scores behind a composite score, each 0..1.
type Breakdown struct {
	Base                     float64 `json:"base"`
	Niche                    float64 `json:"niche"`
	PriceOptimality          float64 `json:"priceOptimality"`
	CommissionSustainability float64 `json:"commissionSustainability"`
	Demand                   float64 `json:"demand"`
}

// Score tags name the path that actually produced a score.
const (
	TagV1         = "V1"          // deterministic formula, AI not requested
	TagV2AI       = "V2-AI"       // composite with AI-assessed sub-scores
	TagV1Fallback = "V1-Fallback" // composite with heuristic sub-scores (AI unavailable)
)

// ScoredProduct is a product with its final score attached.
type ScoredProduct struct {
	Product
	Score     float64    `json:"score"` // 0..100
	Grade     string     `json:"grade"` // A..F
	Tag       string     `json:"tag"`
	Breakdown *Breakdown `json:"breakdown,omitempty"`
}

// CacheKey identifies a product for assessment caching: same name, price
// and commission always yield the same AI verdict within the cache TTL.
func (p Product) CacheKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%g|%g", p.Name, p.Price, p.Commission)))
	return hex.EncodeToString(sum[:])
}
