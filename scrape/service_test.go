package scrape

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/dbopen"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
	"github.com/kervalen/stallkeep/session"
	"github.com/kervalen/stallkeep/vault"
)

// fakeElement is a scriptable DOM node for extraction tests.
type fakeElement struct {
	text  string
	attrs map[string]string
	kids  map[string]*fakeElement
}

func (e *fakeElement) Text() string { return e.text }
func (e *fakeElement) Attr(name string) string {
	return e.attrs[name]
}
func (e *fakeElement) HTML() string { return "<div>" + e.text + "</div>" }
func (e *fakeElement) Find(selector string) browser.Element {
	kid, ok := e.kids[selector]
	if !ok {
		return nil
	}
	return kid
}

// pageState is one step of a scripted browsing sequence.
type pageState struct {
	url     string
	cards   []*fakeElement
	cardSel string
	hasNext bool
}

// fakePage plays back a scripted sequence: Navigate lands on the first
// state (honouring redirects), Click on the next selector advances.
type fakePage struct {
	states   []*pageState
	idx      int
	redirect map[string]string
	cookies  int
	navs     int
	closed   bool
	html     string
}

func (p *fakePage) cur() *pageState { return p.states[p.idx] }

func (p *fakePage) Navigate(ctx context.Context, u string) error {
	p.navs++
	if r, ok := p.redirect[u]; ok {
		u = r
	}
	p.cur().url = u
	return nil
}
func (p *fakePage) URL() string { return p.cur().url }
func (p *fakePage) HTML(ctx context.Context) (string, error) {
	return p.html, nil
}
func (p *fakePage) Has(selector string) (bool, error) {
	if selector == p.cur().cardSel {
		return len(p.cur().cards) > 0, nil
	}
	return p.cur().hasNext, nil
}
func (p *fakePage) Elements(selector string) ([]browser.Element, error) {
	if selector != p.cur().cardSel {
		return nil, nil
	}
	out := make([]browser.Element, len(p.cur().cards))
	for i, c := range p.cur().cards {
		out[i] = c
	}
	return out, nil
}
func (p *fakePage) Click(selector string) error {
	if !p.cur().hasNext {
		return browser.ErrNoElement
	}
	p.idx++
	return nil
}
func (p *fakePage) SetStorageState(context.Context, *session.StorageState) error { return nil }
func (p *fakePage) CaptureStorageState(context.Context) (*session.StorageState, error) {
	return &session.StorageState{}, nil
}
func (p *fakePage) CookieCount(context.Context) (int, error) { return p.cookies, nil }
func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	return []byte("png"), nil
}
func (p *fakePage) Close() error { p.closed = true; return nil }

type fakeOpener struct {
	page  *fakePage
	calls int
}

func (o *fakeOpener) HeadlessPage(ctx context.Context) (browser.Page, error) {
	o.calls++
	return o.page, nil
}

func card(name, price, commission, popularity string) *fakeElement {
	return &fakeElement{kids: map[string]*fakeElement{
		".name":  {text: name},
		".price": {text: price},
		".comm":  {text: commission},
		".sold":  {text: popularity},
		"a":      {attrs: map[string]string{"href": "/p/" + name}},
	}}
}

func testProfile(t *testing.T) *platform.Registry {
	t.Helper()
	reg := platform.NewRegistry()
	err := reg.Register("mart", &platform.Profile{
		LoginURL:           "https://mart.example/login",
		CheckURL:           "https://mart.example/account",
		ExpectedURLPattern: `mart\.example`,
		ListingsURL:        "https://mart.example/listings",
		Selectors: platform.Selectors{
			Card:       ".card",
			Name:       ".name",
			Price:      ".price",
			Commission: ".comm",
			Popularity: ".sold",
			Link:       "a",
			NextPage:   ".next",
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func testService(t *testing.T, opener PageOpener) (*Service, *session.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := session.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := ApplyProductsSchema(db); err != nil {
		t.Fatalf("products schema: %v", err)
	}
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	store := session.NewStore(db, v, nil)
	svc := NewService(store, testProfile(t), opener, NewProductStore(db),
		scoring.NewEngine(nil, scoring.Config{}), NewCollector("", nil),
		Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond})
	return svc, store
}

func activate(t *testing.T, store *session.Store) {
	t.Helper()
	v, _ := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	env, err := v.Encrypt([]byte(`{"cookies":[{"name":"sid","value":"x"}]}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	err = store.Activate(context.Background(), "acct1", "mart", env, session.ActivationMeta{
		CookieCount: 1, ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestRunShortCircuitsWithoutSession(t *testing.T) {
	// WHAT: No session means an immediate needs-reconnect result with zero
	// browser activity.
	// WHY: The short circuit is a hard contract: never burn a navigation on
	// a key that was never connected.
	opener := &fakeOpener{page: &fakePage{states: []*pageState{{}}}}
	svc, _ := testService(t, opener)

	res, err := svc.Run(context.Background(), Request{AccountID: "ghost", Platform: "mart"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || !res.NeedsReconnect || res.Reason != ReasonNoSession {
		t.Fatalf("result: %+v", res)
	}
	if opener.calls != 0 || opener.page.navs != 0 {
		t.Fatalf("browser touched: opens=%d navs=%d", opener.calls, opener.page.navs)
	}
	if res.Message == "" || !strings.Contains(res.Message, "connect") {
		t.Fatalf("message must point at the connect flow: %q", res.Message)
	}
}

func TestRunHappyPathPaginates(t *testing.T) {
	// WHAT: A valid session scrapes two pages, scores the products, saves
	// them, and reports them sorted by score.
	page := &fakePage{states: []*pageState{
		{cardSel: ".card", hasNext: true, cards: []*fakeElement{
			card("Widget", "$100", "30%", "120 sold"),
			card("Gadget", "$50", "40%", "100 sold"),
			card("broken", "", "10%", "5 sold"), // no price: skipped
		}},
		{cardSel: ".card", url: "https://mart.example/listings?page=2", cards: []*fakeElement{
			card("Doohickey", "$200", "5%", "10 sold"),
		}},
	}}
	opener := &fakeOpener{page: page}
	svc, store := testService(t, opener)
	activate(t, store)

	res, err := svc.Run(context.Background(), Request{AccountID: "acct1", Platform: "mart", MaxPages: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("result: %+v", res)
	}
	if res.TotalScraped != 3 || res.TotalSaved != 3 || res.PagesVisited != 2 {
		t.Fatalf("counts: %+v", res)
	}
	// Gadget: 40×100/50 = 80; Widget: 30×120/100 = 36; Doohickey: 5×10/200 = 0.25.
	if res.TopProducts[0].Name != "Gadget" || res.TopProducts[0].Score != 80 {
		t.Fatalf("top product: %+v", res.TopProducts[0])
	}
	if !page.closed {
		t.Fatal("page not closed")
	}

	// The run is persisted and readable back in score order.
	saved, err := svc.products.TopByRun(context.Background(), res.RunID, 10)
	if err != nil {
		t.Fatalf("top by run: %v", err)
	}
	if len(saved) != 3 || saved[0].Name != "Gadget" {
		t.Fatalf("saved: %+v", saved)
	}

	// Verification left a trail.
	rec, _ := store.Get(context.Background(), "acct1", "mart")
	if rec.LastVerifiedAt == 0 {
		t.Fatal("last_verified_at not set")
	}
}

func TestRunMinScoreThreshold(t *testing.T) {
	// WHAT: Products under the threshold are neither saved nor reported.
	page := &fakePage{states: []*pageState{
		{cardSel: ".card", cards: []*fakeElement{
			card("Gadget", "$50", "40%", "100 sold"),  // 80
			card("Doohickey", "$200", "5%", "10 sold"), // 0.25
		}},
	}}
	svc, store := testService(t, &fakeOpener{page: page})
	activate(t, store)

	res, err := svc.Run(context.Background(), Request{
		AccountID: "acct1", Platform: "mart", MinScoreThreshold: 50,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TotalScraped != 2 || res.TotalSaved != 1 {
		t.Fatalf("counts: %+v", res)
	}
	if len(res.TopProducts) != 1 || res.TopProducts[0].Name != "Gadget" {
		t.Fatalf("top: %+v", res.TopProducts)
	}
}

func TestRunExpiredSessionMarksReconnect(t *testing.T) {
	// WHAT: A login redirect on the check URL fails the run with
	// SESSION_EXPIRED, records evidence, and flips the record.
	// WHY: Scenario B semantics: fail fast, explain, demand a human.
	page := &fakePage{
		states:   []*pageState{{cardSel: ".card"}},
		redirect: map[string]string{"https://mart.example/account": "https://mart.example/login?next=account"},
		cookies:  3,
	}
	svc, store := testService(t, &fakeOpener{page: page})
	activate(t, store)

	res, err := svc.Run(context.Background(), Request{AccountID: "acct1", Platform: "mart"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success || res.Reason != ReasonSessionExpired || !res.NeedsReconnect {
		t.Fatalf("result: %+v", res)
	}

	rec, _ := store.Get(context.Background(), "acct1", "mart")
	if rec.Status != session.StatusNeedsReconnect {
		t.Fatalf("status: %q", rec.Status)
	}
	if rec.LastError != ReasonSessionExpired {
		t.Fatalf("last_error: %q", rec.LastError)
	}
	if !strings.Contains(rec.EvidenceJSON, "login") {
		t.Fatalf("evidence missing URL: %q", rec.EvidenceJSON)
	}
	if rec.LastURL != "https://mart.example/login?next=account" {
		t.Fatalf("last_url: %q", rec.LastURL)
	}
}

func TestVerifyVerdicts(t *testing.T) {
	// WHAT: The verifier's verdict comes from structural URL signals only.
	reg := testProfile(t)
	prof, _ := reg.Lookup("mart")
	ctx := context.Background()

	// Valid: lands where expected.
	page := &fakePage{states: []*pageState{{}}}
	if err := Verify(ctx, page, prof); err != nil {
		t.Fatalf("valid session: %v", err)
	}

	// Login redirect.
	page = &fakePage{
		states:   []*pageState{{}},
		redirect: map[string]string{prof.CheckURL: "https://mart.example/signin"},
	}
	err := Verify(ctx, page, prof)
	inv, ok := err.(*InvalidError)
	if !ok || inv.Reason != ReasonSessionExpired {
		t.Fatalf("login redirect: %v", err)
	}

	// Unexpected domain.
	page = &fakePage{
		states:   []*pageState{{}},
		redirect: map[string]string{prof.CheckURL: "https://elsewhere.example/blocked"},
	}
	err = Verify(ctx, page, prof)
	inv, ok = err.(*InvalidError)
	if !ok || inv.Reason != ReasonUnexpectedURL {
		t.Fatalf("unexpected url: %v", err)
	}
}

func TestDOMStrategyExtractsFromRawHTML(t *testing.T) {
	// WHAT: With no working selectors, the DOM fallback mines card-shaped
	// containers out of raw markup.
	html := `<html><body>
	<div class="product-tile">
		<h3><a href="/p/widget">Ultra Widget</a></h3>
		<span>$89.99</span> <span>25% commission</span> <span>340 sold</span>
		<img src="/img/widget.png">
	</div>
	<div class="product-tile">
		<h3>Mega Gadget</h3>
		<span>$149.00</span> <span>15% commission</span>
	</div>
	<div class="sidebar">no products here</div>
	</body></html>`

	page := &fakePage{states: []*pageState{{}}, html: html}
	reg := testProfile(t)
	prof, _ := reg.Lookup("mart")

	st := newDOMStrategy()
	products, err := st.Extract(context.Background(), page, prof)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("products: got %d, want 2: %+v", len(products), products)
	}
	if products[0].Name != "Ultra Widget" || products[0].Price != 89.99 {
		t.Fatalf("first product: %+v", products[0])
	}
	if products[0].Commission != 25 || products[0].Popularity != 340 {
		t.Fatalf("first product signals: %+v", products[0])
	}
	if products[0].ProductURL != "/p/widget" {
		t.Fatalf("link: %q", products[0].ProductURL)
	}
	if products[1].Name != "Mega Gadget" {
		t.Fatalf("second product: %+v", products[1])
	}
}
