// Package browser manages Chrome lifecycle for stallkeep: a shared headless
// stealth browser for session verification and scraping, and short-lived
// visible browsers for human-driven logins. It exposes pages behind a small
// interface so callers (and tests) never touch Rod directly.
//
// Ownership rule: every page handed out is owned by exactly one operation
// and must be closed by it on all exit paths. Closing a headed page also
// tears down the visible browser process it rides on.
package browser

import (
	"context"
	"errors"

	"github.com/kervalen/stallkeep/session"
)

// ErrNavigationTimeout marks a navigation that exceeded its per-operation
// deadline. Callers treat it as an unrecoverable failure of the current run.
var ErrNavigationTimeout = errors.New("browser: navigation timeout")

// ErrNoElement is returned by Click when the selector matches nothing.
var ErrNoElement = errors.New("browser: no element matches selector")

// Element is a matched DOM node.
type Element interface {
	// Text returns the visible text of the node, or "" if it cannot be read.
	Text() string
	// Attr returns the value of an attribute, or "" when absent.
	Attr(name string) string
	// HTML returns the outer HTML of the node, or "" if it cannot be read.
	HTML() string
	// Find returns the first descendant matching a CSS selector, or nil.
	Find(selector string) Element
}

// Page is one owned browser page.
type Page interface {
	// Navigate loads a URL and waits for the load event, honouring ctx.
	Navigate(ctx context.Context, url string) error
	// URL returns the page's current URL ("" if the page is gone).
	URL() string
	// HTML returns the full serialized DOM.
	HTML(ctx context.Context) (string, error)
	// Has reports whether a CSS selector currently matches.
	Has(selector string) (bool, error)
	// Elements returns all nodes matching a CSS selector.
	Elements(selector string) ([]Element, error)
	// Click clicks the first node matching a CSS selector.
	Click(selector string) error
	// SetStorageState installs cookies and localStorage into the context.
	SetStorageState(ctx context.Context, state *StorageState) error
	// CaptureStorageState reads the full cookie jar and the current
	// origin's localStorage.
	CaptureStorageState(ctx context.Context) (*StorageState, error)
	// CookieCount returns the size of the context's cookie jar.
	CookieCount(ctx context.Context) (int, error)
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close releases the page and any browser process it owns.
	Close() error
}

// StorageState aliases the session package's serialized-session shape; the
// browser layer converts it to and from live browser state.
type StorageState = session.StorageState
