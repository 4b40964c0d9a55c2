package scrape

import (
	"context"
	"strings"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
)

// Strategy extracts product listings from the current page. Strategies are
// tried in order; the first one yielding any products wins for that page.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, page browser.Page, prof *platform.Profile) ([]scoring.Product, error)
}

// DefaultStrategies is the standard ladder: the platform's own selectors,
// then generic marketplace selectors, then raw DOM heuristics.
func DefaultStrategies() []Strategy {
	return []Strategy{
		&selectorStrategy{},
		&genericStrategy{},
		newDOMStrategy(),
	}
}

// selectorStrategy drives extraction entirely from the platform profile.
type selectorStrategy struct{}

func (selectorStrategy) Name() string { return "platform-selectors" }

func (selectorStrategy) Extract(ctx context.Context, page browser.Page, prof *platform.Profile) ([]scoring.Product, error) {
	if prof.Selectors.Card == "" {
		return nil, nil
	}
	return extractCards(page, prof.Selectors)
}

// genericSelectors cover the markup conventions most marketplaces share.
var genericSelectors = platform.Selectors{
	Card:       `[class*="product"], [class*="card"], [class*="listing"], article`,
	Name:       `h1, h2, h3, [class*="title"], [class*="name"]`,
	Price:      `[class*="price"]`,
	Commission: `[class*="commission"], [class*="rate"]`,
	Popularity: `[class*="sold"], [class*="sales"], [class*="review"]`,
	Category:   `[class*="category"]`,
	Image:      `img`,
	Link:       `a`,
}

// genericStrategy is the fallback for profiles without selectors or whose
// selectors drifted out from under them.
type genericStrategy struct{}

func (genericStrategy) Name() string { return "generic-selectors" }

func (genericStrategy) Extract(ctx context.Context, page browser.Page, prof *platform.Profile) ([]scoring.Product, error) {
	return extractCards(page, genericSelectors)
}

// extractCards walks the matched cards, degrading field-by-field: a missing
// price selector loses the price, not the card. Cards without both a name
// and a price are skipped; the page keeps going.
func extractCards(page browser.Page, sel platform.Selectors) ([]scoring.Product, error) {
	cards, err := page.Elements(sel.Card)
	if err != nil {
		return nil, err
	}

	var products []scoring.Product
	for _, card := range cards {
		p := productFromCard(card, sel)
		if p.Name == "" || p.Price <= 0 {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

func productFromCard(card browser.Element, sel platform.Selectors) scoring.Product {
	p := scoring.Product{
		Name:       textOf(card, sel.Name),
		Price:      ParsePrice(textOf(card, sel.Price)),
		Commission: ParsePercent(textOf(card, sel.Commission)),
		Popularity: ParseCount(textOf(card, sel.Popularity)),
		Category:   textOf(card, sel.Category),
	}
	if sel.Image != "" {
		if el := card.Find(sel.Image); el != nil {
			p.ImageURL = el.Attr("src")
		}
	}
	if sel.Link != "" {
		if el := card.Find(sel.Link); el != nil {
			p.ProductURL = el.Attr("href")
		}
	}
	return p
}

func textOf(card browser.Element, selector string) string {
	if selector == "" {
		return ""
	}
	el := card.Find(selector)
	if el == nil {
		return ""
	}
	return strings.TrimSpace(el.Text())
}
