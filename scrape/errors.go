package scrape

import "fmt"

// Machine-readable failure reasons. They end up in last_error, evidence
// bundles, and API responses, so they are stable identifiers.
const (
	ReasonSessionExpired    = "SESSION_EXPIRED"
	ReasonUnexpectedURL     = "UNEXPECTED_URL"
	ReasonNavigationTimeout = "NAVIGATION_TIMEOUT"
	ReasonScrapeError       = "SCRAPE_ERROR"
	ReasonNoSession         = "NO_SESSION"
)

// InvalidError reports that a restored session failed verification, with
// the structural signal that condemned it.
type InvalidError struct {
	Reason     string
	CurrentURL string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("scrape: session invalid (%s) at %s", e.Reason, e.CurrentURL)
}
