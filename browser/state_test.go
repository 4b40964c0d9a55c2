package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
)

func TestCookieParamsRoundTrip(t *testing.T) {
	// WHAT: Stored cookies convert to CDP params and back without loss of the
	// fields the session layer cares about.
	// WHY: A lossy conversion would silently degrade restored sessions.
	in := []Cookie{
		{Name: "sid", Value: "abc", Domain: ".mart.example", Path: "/", Expires: 1923456789, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		{Name: "pref", Value: "dark", Domain: "mart.example"},
	}

	params := cookieParams(in)
	if len(params) != 2 {
		t.Fatalf("params: got %d, want 2", len(params))
	}
	if params[0].SameSite != proto.NetworkCookieSameSiteLax {
		t.Fatalf("sameSite: got %q", params[0].SameSite)
	}
	if params[0].Expires != proto.TimeSinceEpoch(1923456789) {
		t.Fatalf("expires: got %v", params[0].Expires)
	}
	if params[1].Expires != 0 {
		t.Fatalf("session cookie must not carry an expiry, got %v", params[1].Expires)
	}

	live := []*proto.NetworkCookie{
		{Name: "sid", Value: "abc", Domain: ".mart.example", Path: "/", Expires: 1923456789, HTTPOnly: true, Secure: true, SameSite: proto.NetworkCookieSameSiteLax},
		{Name: "pref", Value: "dark", Domain: "mart.example", Expires: -1},
	}
	back := fromNetworkCookies(live)
	if back[0].SameSite != "Lax" || !back[0].HTTPOnly || !back[0].Secure {
		t.Fatalf("flags lost: %+v", back[0])
	}
	if back[1].Expires != 0 {
		t.Fatalf("negative epoch must store as 0, got %v", back[1].Expires)
	}
}

func TestSameSiteParamUnknown(t *testing.T) {
	// WHAT: Unknown sameSite strings map to the empty (unset) value.
	// WHY: CDP rejects invalid enum values; unset lets the browser default.
	if got := sameSiteParam("weird"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	if got := sameSiteParam("STRICT"); got != proto.NetworkCookieSameSiteStrict {
		t.Fatalf("case-insensitive match failed: %q", got)
	}
}
