package scrape

import (
	"context"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
)

// domStrategy is the last rung of the ladder: parse the full DOM, locate
// card-shaped containers by class heuristics, and mine each card's text
// for product fields. Slow and fuzzy, but survives markup the selector
// strategies cannot see.
type domStrategy struct {
	conv   *converter.Converter
	policy *bluemonday.Policy
}

func newDOMStrategy() *domStrategy {
	return &domStrategy{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

func (*domStrategy) Name() string { return "dom-heuristics" }

var cardClassRe = regexp.MustCompile(`(?i)\b(product|card|listing|item)`)

func (d *domStrategy) Extract(ctx context.Context, page browser.Page, prof *platform.Profile) ([]scoring.Product, error) {
	raw, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var products []scoring.Product
	for _, card := range findCardNodes(doc) {
		p := d.productFromNode(card)
		if p.Name == "" || p.Price <= 0 {
			continue
		}
		products = append(products, p)
	}
	return products, nil
}

// findCardNodes collects the outermost elements whose class smells like a
// product card. Matching stops descending so nested hits do not duplicate
// their parent.
func findCardNodes(doc *html.Node) []*html.Node {
	var cards []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && cardClassRe.MatchString(nodeAttr(n, "class")) {
			cards = append(cards, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return cards
}

func (d *domStrategy) productFromNode(n *html.Node) scoring.Product {
	var sb strings.Builder
	html.Render(&sb, n)

	// Sanitize before markdown conversion: scripts, handlers, and styling
	// noise never reach the text miner.
	md, err := d.conv.ConvertString(d.policy.Sanitize(sb.String()))
	if err != nil {
		md = collectText(n)
	}

	p := scoring.Product{
		Name:       firstTextLine(md),
		Price:      ParsePrice(md),
		Commission: ParsePercent(md),
	}
	if m := soldRe.FindString(md); m != "" {
		p.Popularity = ParseCount(m)
	}
	if a := findFirst(n, "a"); a != nil {
		p.ProductURL = nodeAttr(a, "href")
	}
	if img := findFirst(n, "img"); img != nil {
		p.ImageURL = nodeAttr(img, "src")
	}
	return p
}

var (
	soldRe   = regexp.MustCompile(`(?i)[0-9][0-9.,]*\s*[km]?\s*(?:sold|sales|reviews?)`)
	mdNoise  = regexp.MustCompile(`^[#>*\-\s]+`)
	mdLinkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// firstTextLine returns the first markdown line that reads like a name:
// letters present, markdown decoration stripped.
func firstTextLine(md string) string {
	for _, line := range strings.Split(md, "\n") {
		line = mdLinkRe.ReplaceAllString(line, "$1")
		line = strings.TrimSpace(mdNoise.ReplaceAllString(line, ""))
		line = strings.Trim(line, "*_`")
		if line == "" || !strings.ContainsFunc(line, isLetter) {
			continue
		}
		return line
	}
	return ""
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
}

func findFirst(root *html.Node, tag string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
