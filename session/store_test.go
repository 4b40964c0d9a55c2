package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kervalen/stallkeep/dbopen"
	"github.com/kervalen/stallkeep/vault"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return NewStore(db, v, nil)
}

func encryptState(t *testing.T, s *Store, state *StorageState) *vault.Envelope {
	t.Helper()
	v, _ := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	data := []byte(`{"cookies":[]}`)
	if state != nil {
		var err error
		data, err = json.Marshal(state)
		if err != nil {
			t.Fatalf("marshal state: %v", err)
		}
	}
	env, err := v.Encrypt(data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return env
}

func fiveCookieState() *StorageState {
	cookies := make([]Cookie, 5)
	for i := range cookies {
		cookies[i] = Cookie{Name: "c" + string(rune('a'+i)), Value: "v", Domain: ".mart.example"}
	}
	return &StorageState{Cookies: cookies}
}

func TestUpsertPendingSupersedesPrior(t *testing.T) {
	// WHAT: A second pending upsert replaces the first token and clears any blob.
	// WHY: Abandoned connect attempts must never block future ones.
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertPending(ctx, "acct1", "mart", "token-one", 10*time.Minute); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertPending(ctx, "acct1", "mart", "token-two", 10*time.Minute); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rec, err := s.Get(ctx, "acct1", "mart")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ConnectToken != "token-two" {
		t.Fatalf("token: got %q, want token-two", rec.ConnectToken)
	}
	if rec.Status != StatusPendingConnect {
		t.Fatalf("status: got %q", rec.Status)
	}
	if len(rec.Blob) != 0 {
		t.Fatal("pending record must not hold an encrypted blob")
	}
}

func TestActivateByTokenSingleUse(t *testing.T) {
	// WHAT: A token activates exactly once; the second claim fails.
	// WHY: Connect tokens are single-use and cleared atomically on upload.
	s := testStore(t)
	ctx := context.Background()

	s.UpsertPending(ctx, "acct1", "mart", "tok", 10*time.Minute)
	env := encryptState(t, s, fiveCookieState())

	acct, plat, err := s.ActivateByToken(ctx, "tok", env, ActivationMeta{
		CookieCount: 5, ExpiresAt: time.Now().Add(14 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if acct != "acct1" || plat != "mart" {
		t.Fatalf("claimed key: got (%s,%s)", acct, plat)
	}

	if _, _, err := s.ActivateByToken(ctx, "tok", env, ActivationMeta{}); err != ErrTokenNotFound {
		t.Fatalf("second claim: got %v, want ErrTokenNotFound", err)
	}

	info, err := s.GetStatus(ctx, "acct1", "mart")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !info.Connected || info.Status != StatusActive {
		t.Fatalf("status after activation: %+v", info)
	}
	if info.CookieCount != 5 {
		t.Fatalf("cookie count: got %d, want 5", info.CookieCount)
	}
}

func TestActivateByTokenExpired(t *testing.T) {
	// WHAT: A token past its TTL is rejected with ErrTokenExpired.
	// WHY: Tokens have a hard 10-minute window; stale ones must not work.
	s := testStore(t)
	ctx := context.Background()

	s.UpsertPending(ctx, "acct1", "mart", "tok", 10*time.Minute)

	s.Now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	env := encryptState(t, s, nil)
	if _, _, err := s.ActivateByToken(ctx, "tok", env, ActivationMeta{}); err != ErrTokenExpired {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}

	if _, _, err := s.ActivateByToken(ctx, "never-issued", env, ActivationMeta{}); err != ErrTokenNotFound {
		t.Fatalf("unknown token: got %v, want ErrTokenNotFound", err)
	}
}

func TestLoadRoundTripAndTouch(t *testing.T) {
	// WHAT: Load decrypts the stored state and touches last_used_at.
	// WHY: The scrape path depends on both the plaintext and the usage trail.
	s := testStore(t)
	ctx := context.Background()

	env := encryptState(t, s, fiveCookieState())
	err := s.Activate(ctx, "acct1", "mart", env, ActivationMeta{
		CookieCount: 5, Fingerprint: "fp-1", ExpiresAt: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	state, err := s.Load(ctx, "acct1", "mart")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state == nil {
		t.Fatal("expected state")
	}
	if state.CookieCount() != 5 {
		t.Fatalf("cookies: got %d, want 5", state.CookieCount())
	}

	rec, _ := s.Get(ctx, "acct1", "mart")
	if rec.LastUsedAt == 0 {
		t.Fatal("last_used_at not touched")
	}
}

func TestLoadReturnsNilWhenUnusable(t *testing.T) {
	// WHAT: Load yields nil for absent, inactive, and expired records.
	// WHY: Callers treat nil as "needs connect"; only active-and-fresh loads.
	s := testStore(t)
	ctx := context.Background()

	// Absent.
	state, err := s.Load(ctx, "ghost", "mart")
	if err != nil || state != nil {
		t.Fatalf("absent: got (%v, %v)", state, err)
	}

	// Pending (no blob).
	s.UpsertPending(ctx, "acct1", "mart", "tok", 10*time.Minute)
	state, err = s.Load(ctx, "acct1", "mart")
	if err != nil || state != nil {
		t.Fatalf("pending: got (%v, %v)", state, err)
	}

	// Active but past expiry.
	env := encryptState(t, s, fiveCookieState())
	s.Activate(ctx, "acct2", "mart", env, ActivationMeta{ExpiresAt: time.Now().Add(time.Hour)})
	s.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	state, err = s.Load(ctx, "acct2", "mart")
	if err != nil || state != nil {
		t.Fatalf("expired: got (%v, %v)", state, err)
	}
}

func TestLoadTamperedBlobFailsClosed(t *testing.T) {
	// WHAT: A corrupted blob surfaces the integrity error, never plaintext.
	// WHY: Cryptographic failures must fail closed immediately.
	s := testStore(t)
	ctx := context.Background()

	env := encryptState(t, s, fiveCookieState())
	s.Activate(ctx, "acct1", "mart", env, ActivationMeta{ExpiresAt: time.Now().Add(time.Hour)})

	if _, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET session_auth_tag = X'00000000000000000000000000000000'
		 WHERE account_id = 'acct1'`); err != nil {
		t.Fatalf("corrupt tag: %v", err)
	}

	if _, err := s.Load(ctx, "acct1", "mart"); err != vault.ErrIntegrity {
		t.Fatalf("got %v, want vault.ErrIntegrity", err)
	}
}

func TestMarkNeedsReconnectIdempotentOverwrite(t *testing.T) {
	// WHAT: Two marks with different reasons leave status needs_reconnect and
	// last_error = the most recent reason.
	// WHY: Latest failure wins; the transition is an idempotent overwrite.
	s := testStore(t)
	ctx := context.Background()

	env := encryptState(t, s, nil)
	s.Activate(ctx, "acct1", "mart", env, ActivationMeta{ExpiresAt: time.Now().Add(time.Hour)})

	ev := &Evidence{Timestamp: time.Now().UnixMilli(), CurrentURL: "https://mart.example/login", CookieCount: 3}
	if err := s.MarkNeedsReconnect(ctx, "acct1", "mart", "SESSION_EXPIRED", ev); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := s.MarkNeedsReconnect(ctx, "acct1", "mart", "SCRAPE_ERROR", nil); err != nil {
		t.Fatalf("second mark: %v", err)
	}

	rec, _ := s.Get(ctx, "acct1", "mart")
	if rec.Status != StatusNeedsReconnect {
		t.Fatalf("status: got %q", rec.Status)
	}
	if rec.LastError != "SCRAPE_ERROR" {
		t.Fatalf("last_error: got %q, want SCRAPE_ERROR", rec.LastError)
	}
	// The URL from the first evidence bundle is retained when the second
	// mark carries none.
	if rec.LastURL != "https://mart.example/login" {
		t.Fatalf("last_url: got %q", rec.LastURL)
	}

	info, _ := s.GetStatus(ctx, "acct1", "mart")
	if !info.NeedsReconnect || info.Connected {
		t.Fatalf("derived status: %+v", info)
	}
}

func TestGetStatusRecomputesExpiry(t *testing.T) {
	// WHAT: A record with expires_at in the past reports needsReconnect even
	// though the stored status still says active.
	// WHY: Expiry is lazy-derived on every read, never trusted from the flag.
	s := testStore(t)
	ctx := context.Background()

	env := encryptState(t, s, nil)
	s.Activate(ctx, "acct1", "mart", env, ActivationMeta{ExpiresAt: time.Now().Add(time.Hour)})

	s.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	info, err := s.GetStatus(ctx, "acct1", "mart")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Status != StatusExpired {
		t.Fatalf("effective status: got %q, want expired", info.Status)
	}
	if !info.NeedsReconnect {
		t.Fatal("expired record must report needsReconnect")
	}

	// The stored column is untouched: GetStatus is a pure read.
	rec, _ := s.Get(ctx, "acct1", "mart")
	if rec.Status != StatusActive {
		t.Fatalf("stored status mutated to %q", rec.Status)
	}
}

func TestGetStatusAbsent(t *testing.T) {
	// WHAT: Status of a never-connected key is found=false, needsReconnect=true.
	// WHY: The scrape API short-circuits on this signal.
	s := testStore(t)
	info, err := s.GetStatus(context.Background(), "ghost", "mart")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Found || !info.NeedsReconnect {
		t.Fatalf("got %+v", info)
	}
}
