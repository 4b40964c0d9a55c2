package scrape

import (
	"context"
	"errors"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/platform"
)

// Verify navigates a restored page to the platform's check URL and judges
// the session from structural signals alone: where the browser ended up.
// It never tries to repair anything; an invalid verdict means a human must
// reconnect.
func Verify(ctx context.Context, page browser.Page, prof *platform.Profile) error {
	if err := page.Navigate(ctx, prof.CheckURL); err != nil {
		if errors.Is(err, browser.ErrNavigationTimeout) {
			return &InvalidError{Reason: ReasonNavigationTimeout, CurrentURL: prof.CheckURL}
		}
		return err
	}

	u := page.URL()
	if platform.IsLoginURL(u) {
		// The marketplace bounced us to login: the session is dead.
		return &InvalidError{Reason: ReasonSessionExpired, CurrentURL: u}
	}
	if !prof.MatchesExpectedURL(u) {
		return &InvalidError{Reason: ReasonUnexpectedURL, CurrentURL: u}
	}
	return nil
}
