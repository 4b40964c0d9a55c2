package scoring

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config configures the scoring Engine.
type Config struct {
	// BatchSize is the number of products scored per batch. Default: 10.
	BatchSize int
	// Workers bounds concurrent AI calls when parallel scoring is on.
	// Default: 3.
	Workers int
	// BatchDelay is the pause between batches, a politeness knob towards
	// the AI provider. Default: 500ms.
	BatchDelay time.Duration
	// CacheSize bounds the assessment cache. Default: 1024 entries.
	CacheSize int
	// CacheTTL expires cached assessments. Default: 1h.
	CacheTTL time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 500 * time.Millisecond
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine scores products. Safe for concurrent use.
type Engine struct {
	cfg      Config
	provider Provider
	cache    *expirable.LRU[string, Assessment]
}

// NewEngine creates an Engine. provider may be nil: every AI-requested
// score then takes the deterministic fallback path.
func NewEngine(provider Provider, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:      cfg,
		provider: provider,
		cache:    expirable.NewLRU[string, Assessment](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// ScoreOne scores a single product. With useAI false the result is the
// pure deterministic score; with useAI true it is the composite, tagged by
// whether the AI actually contributed.
func (e *Engine) ScoreOne(ctx context.Context, p Product, useAI bool) ScoredProduct {
	if !useAI {
		v1 := V1Score(p)
		return ScoredProduct{Product: p, Score: v1, Grade: Grade(v1), Tag: TagV1}
	}

	b := Breakdown{
		Base:            V1Score(p) / 100,
		PriceOptimality: priceOptimality(p.Price),
		Demand:          demandSignal(p.Popularity),
	}

	tag := TagV1Fallback
	if a := e.assess(ctx, p); a != nil {
		b.Niche = a.NicheScore
		b.CommissionSustainability = a.CommissionSustainability
		tag = TagV2AI
	} else {
		b.Niche = nicheHeuristic(p)
		b.CommissionSustainability = commissionHeuristic(p)
	}

	score := CompositeScore(b)
	return ScoredProduct{Product: p, Score: score, Grade: Grade(score), Tag: tag, Breakdown: &b}
}

// assess returns a cached or fresh AI assessment, or nil when the provider
// is absent or failing. Failures are logged and absorbed here: an AI
// outage is never a scoring failure.
func (e *Engine) assess(ctx context.Context, p Product) *Assessment {
	if e.provider == nil {
		return nil
	}
	key := p.CacheKey()
	if a, ok := e.cache.Get(key); ok {
		return &a
	}
	a, err := e.provider.Assess(ctx, p)
	if err != nil {
		e.cfg.Logger.Warn("scoring: assessment failed, using heuristics",
			"product", p.Name, "error", err)
		return nil
	}
	e.cache.Add(key, *a)
	return a
}

// BatchOptions selects the scoring path for a batch run.
type BatchOptions struct {
	UseAI    bool
	Parallel bool
}

// BatchScore scores products in fixed-size batches, sequentially or with a
// bounded worker pool, pausing between batches. Results come back sorted
// by score, highest first.
func (e *Engine) BatchScore(ctx context.Context, products []Product, opts BatchOptions) []ScoredProduct {
	scored := make([]ScoredProduct, len(products))

	for start := 0; start < len(products); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(products) {
			end = len(products)
		}

		if opts.Parallel && opts.UseAI {
			e.scoreBatchParallel(ctx, products, scored, start, end, opts.UseAI)
		} else {
			for i := start; i < end; i++ {
				scored[i] = e.ScoreOne(ctx, products[i], opts.UseAI)
			}
		}

		if end < len(products) {
			select {
			case <-ctx.Done():
				// Score the rest without waiting; the deterministic path
				// needs no provider anyway.
				for i := end; i < len(products); i++ {
					scored[i] = e.ScoreOne(ctx, products[i], false)
				}
				sortScored(scored)
				return scored
			case <-time.After(e.cfg.BatchDelay):
			}
		}
	}

	sortScored(scored)
	return scored
}

func (e *Engine) scoreBatchParallel(ctx context.Context, products []Product, scored []ScoredProduct, start, end int, useAI bool) {
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for i := start; i < end; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			scored[i] = e.ScoreOne(ctx, products[i], useAI)
		}(i)
	}
	wg.Wait()
}

func sortScored(scored []ScoredProduct) {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
}
