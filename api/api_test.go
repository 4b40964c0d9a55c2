package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/connect"
	"github.com/kervalen/stallkeep/dbopen"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/scoring"
	"github.com/kervalen/stallkeep/scrape"
	"github.com/kervalen/stallkeep/session"
	"github.com/kervalen/stallkeep/vault"
)

// nopOpener refuses to open pages; the endpoints under test never reach a
// browser.
type nopOpener struct{}

func (nopOpener) HeadedPage(ctx context.Context) (browser.Page, error) {
	return nil, errors.New("no browser in tests")
}
func (nopOpener) HeadlessPage(ctx context.Context) (browser.Page, error) {
	return nil, errors.New("no browser in tests")
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := session.ApplySchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := scrape.ApplyProductsSchema(db); err != nil {
		t.Fatalf("products schema: %v", err)
	}
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	platforms := platform.NewRegistry()
	if err := platforms.Register("mart", &platform.Profile{
		LoginURL: "https://mart.example/login",
		CheckURL: "https://mart.example/account",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	sessions := session.NewStore(db, v, nil)
	connectSvc := connect.NewService(sessions, platforms, nopOpener{}, connect.NewRegistry(0, nil), v, connect.Config{})
	scrapeSvc := scrape.NewService(sessions, platforms, nopOpener{}, scrape.NewProductStore(db),
		scoring.NewEngine(nil, scoring.Config{}), scrape.NewCollector("", nil), scrape.Config{})

	srv := httptest.NewServer(NewServer(connectSvc, scrapeSvc, sessions, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSessionStatusAbsent(t *testing.T) {
	// WHAT: Status of a never-connected key reports found=false with
	// needsReconnect=true, HTTP 200.
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/ghost/mart/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}

	var info session.StatusInfo
	decodeInto(t, resp, &info)
	if info.Found || !info.NeedsReconnect {
		t.Fatalf("info: %+v", info)
	}
}

func TestConnectTokenUploadRoundTrip(t *testing.T) {
	// WHAT: Token issue → upload activates the session; the spent token 404s.
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/connect/token", map[string]string{
		"accountId": "acct1", "platform": "mart",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status: %d", resp.StatusCode)
	}
	var tok connect.TokenResult
	decodeInto(t, resp, &tok)
	if tok.Token == "" {
		t.Fatal("empty token")
	}

	upload := map[string]any{
		"token": tok.Token,
		"storageState": map[string]any{
			"cookies": []map[string]string{{"name": "sid", "value": "abc", "domain": ".mart.example"}},
		},
	}
	resp = postJSON(t, srv.URL+"/api/connect/upload", upload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status: %d", resp.StatusCode)
	}
	var up connect.UploadResult
	decodeInto(t, resp, &up)
	if up.AccountID != "acct1" || up.CookieCount != 1 {
		t.Fatalf("upload result: %+v", up)
	}

	// Session is now live.
	resp, _ = http.Get(srv.URL + "/api/sessions/acct1/mart/status")
	var info session.StatusInfo
	decodeInto(t, resp, &info)
	if !info.Connected {
		t.Fatalf("info: %+v", info)
	}

	// Single use: replay is a 404.
	resp = postJSON(t, srv.URL+"/api/connect/upload", upload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("replayed token status: %d", resp.StatusCode)
	}
}

func TestScrapeShortCircuitsWithoutSession(t *testing.T) {
	// WHAT: Scraping a never-connected account returns the typed failure,
	// not an HTTP error: the run executed and concluded "reconnect".
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/scrape", map[string]any{
		"accountId": "ghost", "platform": "mart",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var res scrape.Result
	decodeInto(t, resp, &res)
	if res.Success || !res.NeedsReconnect || res.Reason != scrape.ReasonNoSession {
		t.Fatalf("result: %+v", res)
	}
}

func TestValidationErrors(t *testing.T) {
	// WHAT: Bad inputs map to 4xx with a JSON error body.
	srv := testServer(t)

	// Unknown platform.
	resp := postJSON(t, srv.URL+"/api/connect/token", map[string]string{
		"accountId": "acct1", "platform": "nowhere",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown platform: %d", resp.StatusCode)
	}

	// Missing fields.
	resp = postJSON(t, srv.URL+"/api/scrape", map[string]string{"accountId": "a"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing platform: %d", resp.StatusCode)
	}

	// Malformed JSON.
	r, err := http.Post(srv.URL+"/api/connect/start", "application/json", bytes.NewReader([]byte("{nope")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", r.StatusCode)
	}

	// Unknown connect attempt.
	resp = postJSON(t, srv.URL+"/api/connect/conn_ghost/complete", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown attempt: %d", resp.StatusCode)
	}
}
