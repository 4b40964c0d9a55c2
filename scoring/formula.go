package scoring

import "math"

// V1Score is the deterministic baseline: commission-weighted demand per
// price unit, clamped to 0..100. A free or mispriced product scores zero
// rather than infinity.
func V1Score(p Product) float64 {
	if p.Price <= 0 {
		return 0
	}
	return clamp01to100(p.Commission * p.Popularity / p.Price)
}

// Composite weights. Base dominates so the composite never strays far from
// the deterministic signal; the AI-informed terms refine, not replace.
const (
	weightBase       = 0.40
	weightNiche      = 0.20
	weightPriceOpt   = 0.15
	weightCommission = 0.15
	weightDemand     = 0.10
)

// CompositeScore blends the normalized sub-scores into a 0..100 score.
func CompositeScore(b Breakdown) float64 {
	s := weightBase*b.Base +
		weightNiche*b.Niche +
		weightPriceOpt*b.PriceOptimality +
		weightCommission*b.CommissionSustainability +
		weightDemand*b.Demand
	return clamp01to100(s * 100)
}

// Grade maps a 0..100 score to a letter grade.
func Grade(score float64) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 65:
		return "B"
	case score >= 50:
		return "C"
	case score >= 35:
		return "D"
	default:
		return "F"
	}
}

// priceOptimality favours the mid-range band where affiliate conversion is
// historically strongest: too cheap and the payout is noise, too expensive
// and conversion collapses.
func priceOptimality(price float64) float64 {
	switch {
	case price <= 0:
		return 0
	case price < 10:
		return 0.3
	case price <= 100:
		return 1.0
	case price <= 300:
		return 0.7
	default:
		return 0.4
	}
}

// demandSignal compresses raw popularity onto 0..1 with a log scale so a
// runaway bestseller does not flatten everything else.
func demandSignal(popularity float64) float64 {
	if popularity <= 0 {
		return 0
	}
	return math.Min(math.Log10(popularity+1)/4, 1)
}

// nicheHeuristic is the deterministic stand-in for the AI niche assessment.
func nicheHeuristic(p Product) float64 {
	score := 0.5
	if p.Category != "" {
		score += 0.2
	}
	if p.Price > 0 && p.Price < 10 {
		score -= 0.2 // commodity territory
	}
	return clampUnit(score)
}

// commissionHeuristic is the deterministic stand-in for the AI commission
// sustainability assessment: rates far above market norms rarely last.
func commissionHeuristic(p Product) float64 {
	c := p.Commission
	switch {
	case c <= 0:
		return 0
	case c < 5:
		return 0.4
	case c <= 40:
		return 1 - math.Abs(c-25)/40
	default:
		return 0.3
	}
}

func clamp01to100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
