// Package scrape runs authenticated marketplace scrapes: restore a stored
// session into a headless browser, verify it still works, walk the listing
// pages, and hand the products to the scoring engine. Any failure after
// verification starts is evidence-collected and pushed into the session's
// needs_reconnect state; there is no partial silent success.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/idgen"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
	"github.com/kervalen/stallkeep/session"
)

// PageOpener opens headless stealth pages for scraping and verification.
type PageOpener interface {
	HeadlessPage(ctx context.Context) (browser.Page, error)
}

// Config configures the scrape Service.
type Config struct {
	// MaxPagesCeiling caps any request's page count. Default: 25.
	MaxPagesCeiling int
	// DefaultMaxPages applies when a request does not say. Default: 3.
	DefaultMaxPages int
	// DelayMin/DelayMax bound the randomized pause between listing pages.
	// Defaults: 1s..3s.
	DelayMin time.Duration
	DelayMax time.Duration
	// TopN is how many products a result reports back. Default: 10.
	TopN int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxPagesCeiling <= 0 {
		c.MaxPagesCeiling = 25
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = 3
	}
	if c.DelayMin <= 0 {
		c.DelayMin = time.Second
	}
	if c.DelayMax <= c.DelayMin {
		c.DelayMax = c.DelayMin + 2*time.Second
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service orchestrates scrape runs.
type Service struct {
	cfg        Config
	sessions   *session.Store
	platforms  *platform.Registry
	opener     PageOpener
	products   *ProductStore
	engine     *scoring.Engine
	evidence   *Collector
	strategies []Strategy

	NewRunID idgen.Generator
}

// NewService wires a scrape Service with the default strategy ladder.
func NewService(sessions *session.Store, platforms *platform.Registry, opener PageOpener, products *ProductStore, engine *scoring.Engine, evidence *Collector, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		cfg:        cfg,
		sessions:   sessions,
		platforms:  platforms,
		opener:     opener,
		products:   products,
		engine:     engine,
		evidence:   evidence,
		strategies: DefaultStrategies(),
		NewRunID:   idgen.Prefixed("run_", idgen.UUIDv7()),
	}
}

// SetStrategies replaces the extraction ladder.
func (s *Service) SetStrategies(strategies []Strategy) { s.strategies = strategies }

// Request parameterizes one scrape run.
type Request struct {
	AccountID         string  `json:"accountId"`
	Platform          string  `json:"platform"`
	MaxPages          int     `json:"maxPages,omitempty"`
	UseAIScoring      bool    `json:"useAIScoring,omitempty"`
	ParallelScoring   bool    `json:"parallelScoring,omitempty"`
	MinScoreThreshold float64 `json:"minScoreThreshold,omitempty"`
}

// Result is the outcome of a run. Success false always carries a
// machine-readable Reason and a Message telling the caller what to do.
type Result struct {
	Success        bool                    `json:"success"`
	RunID          string                  `json:"runId,omitempty"`
	TotalScraped   int                     `json:"totalScraped"`
	TotalSaved     int                     `json:"totalSaved"`
	PagesVisited   int                     `json:"pagesVisited"`
	TopProducts    []scoring.ScoredProduct `json:"topProducts,omitempty"`
	NeedsReconnect bool                    `json:"needsReconnect,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

// Run executes one scrape. Unusable sessions short-circuit before any
// browser work; verification failures and mid-scrape errors collect
// evidence and mark the session for reconnection.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	prof, err := s.platforms.Lookup(req.Platform)
	if err != nil {
		return nil, err
	}

	// Zero-navigation short circuit: no usable session, no browser.
	info, err := s.sessions.GetStatus(ctx, req.AccountID, req.Platform)
	if err != nil {
		return nil, err
	}
	if !info.Connected {
		return reconnectResult(ReasonNoSession, req.Platform), nil
	}

	state, err := s.sessions.Load(ctx, req.AccountID, req.Platform)
	if err != nil {
		return nil, err
	}
	if state == nil {
		// Lost the race with expiry between status and load.
		return reconnectResult(ReasonNoSession, req.Platform), nil
	}

	page, err := s.opener.HeadlessPage(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	if err := page.SetStorageState(ctx, state); err != nil {
		return s.fail(ctx, page, req, ReasonScrapeError, err)
	}

	if err := Verify(ctx, page, prof); err != nil {
		var inv *InvalidError
		if errors.As(err, &inv) {
			return s.fail(ctx, page, req, inv.Reason, err)
		}
		return s.fail(ctx, page, req, ReasonScrapeError, err)
	}
	if err := s.sessions.MarkVerified(ctx, req.AccountID, req.Platform, page.URL()); err != nil {
		s.cfg.Logger.Warn("scrape: mark verified failed", "error", err)
	}

	products, pages, err := s.paginate(ctx, page, prof, s.maxPages(req))
	if err != nil {
		return s.fail(ctx, page, req, ReasonScrapeError, err)
	}

	scored := s.engine.BatchScore(ctx, products, scoring.BatchOptions{
		UseAI:    req.UseAIScoring,
		Parallel: req.ParallelScoring,
	})

	keep := scored
	if req.MinScoreThreshold > 0 {
		keep = keep[:0:0]
		for _, sp := range scored {
			if sp.Score >= req.MinScoreThreshold {
				keep = append(keep, sp)
			}
		}
	}

	runID := s.NewRunID()
	saved, err := s.products.SaveBatch(ctx, runID, req.AccountID, req.Platform, keep)
	if err != nil {
		return nil, err
	}

	top := keep
	if len(top) > s.cfg.TopN {
		top = top[:s.cfg.TopN]
	}

	s.cfg.Logger.Info("scrape: run complete",
		"account", req.AccountID, "platform", req.Platform, "run", runID,
		"pages", pages, "scraped", len(scored), "saved", saved)

	return &Result{
		Success:      true,
		RunID:        runID,
		TotalScraped: len(scored),
		TotalSaved:   saved,
		PagesVisited: pages,
		TopProducts:  top,
	}, nil
}

func (s *Service) maxPages(req Request) int {
	n := req.MaxPages
	if n <= 0 {
		n = s.cfg.DefaultMaxPages
	}
	if n > s.cfg.MaxPagesCeiling {
		n = s.cfg.MaxPagesCeiling
	}
	return n
}

// paginate walks listing pages until the ceiling, a missing next-page
// affordance, or a navigation error.
func (s *Service) paginate(ctx context.Context, page browser.Page, prof *platform.Profile, maxPages int) ([]scoring.Product, int, error) {
	if prof.ListingsURL != "" {
		if err := page.Navigate(ctx, prof.ListingsURL); err != nil {
			return nil, 0, err
		}
	}

	nextSel := prof.Selectors.NextPage
	if nextSel == "" {
		nextSel = `a[rel="next"], [class*="next"]`
	}

	var products []scoring.Product
	pages := 0
	for pageN := 1; pageN <= maxPages; pageN++ {
		items, strategy := s.extractPage(ctx, page, prof)
		products = append(products, items...)
		pages++
		s.cfg.Logger.Info("scrape: page extracted",
			"page", pageN, "products", len(items), "strategy", strategy)

		if pageN == maxPages {
			break
		}
		ok, err := page.Has(nextSel)
		if err != nil || !ok {
			break
		}
		if err := page.Click(nextSel); err != nil {
			if errors.Is(err, browser.ErrNoElement) {
				break
			}
			return products, pages, err
		}
		if err := s.pause(ctx); err != nil {
			return products, pages, err
		}
	}
	return products, pages, nil
}

// extractPage tries each strategy in order; the first yielding products
// wins. All strategies coming up empty is a valid empty page.
func (s *Service) extractPage(ctx context.Context, page browser.Page, prof *platform.Profile) ([]scoring.Product, string) {
	for _, st := range s.strategies {
		items, err := st.Extract(ctx, page, prof)
		if err != nil {
			s.cfg.Logger.Debug("scrape: strategy failed", "strategy", st.Name(), "error", err)
			continue
		}
		if len(items) > 0 {
			return items, st.Name()
		}
	}
	return nil, "none"
}

// pause sleeps a randomized inter-page delay, a politeness knob that also
// lets client-side rendering settle after a next-page click.
func (s *Service) pause(ctx context.Context) error {
	d := s.cfg.DelayMin + rand.N(s.cfg.DelayMax-s.cfg.DelayMin)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// fail collects evidence, pushes the session to needs_reconnect, and
// returns the typed failure result. The original cause is logged; the
// caller gets the machine-readable reason.
func (s *Service) fail(ctx context.Context, page browser.Page, req Request, reason string, cause error) (*Result, error) {
	s.cfg.Logger.Warn("scrape: run failed",
		"account", req.AccountID, "platform", req.Platform,
		"reason", reason, "error", cause)

	ev := s.evidence.Collect(ctx, page, reason)
	if err := s.sessions.MarkNeedsReconnect(ctx, req.AccountID, req.Platform, reason, ev); err != nil {
		s.cfg.Logger.Error("scrape: mark needs_reconnect failed", "error", err)
	}

	res := reconnectResult(reason, req.Platform)
	return res, nil
}

func reconnectResult(reason, platformName string) *Result {
	return &Result{
		Success:        false,
		NeedsReconnect: true,
		Reason:         reason,
		Message: fmt.Sprintf("no usable session for %s (%s); run the connect flow to log in again",
			platformName, reason),
	}
}
