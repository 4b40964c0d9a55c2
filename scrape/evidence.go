package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/session"
)

// Collector assembles the diagnostic bundle attached to a failed run.
// Collection is strictly best-effort: a broken screenshot or an unreadable
// cookie jar must never mask the error being reported.
type Collector struct {
	// Dir receives screenshots. Empty disables screenshot capture.
	Dir    string
	Logger *slog.Logger
	Now    func() time.Time
}

// NewCollector creates a Collector writing screenshots under dir.
func NewCollector(dir string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{Dir: dir, Logger: logger, Now: time.Now}
}

// Collect snapshots the page's observable state at the moment of failure.
func (c *Collector) Collect(ctx context.Context, page browser.Page, reason string) *session.Evidence {
	ev := &session.Evidence{
		Timestamp:    c.Now().UnixMilli(),
		CurrentURL:   page.URL(),
		ErrorContext: reason,
	}

	if n, err := page.CookieCount(ctx); err == nil {
		ev.CookieCount = n
	} else {
		c.Logger.Warn("scrape: evidence cookie count failed", "error", err)
	}

	if c.Dir != "" {
		if ref, err := c.screenshot(ctx, page, reason); err == nil {
			ev.ScreenshotRef = ref
		} else {
			c.Logger.Warn("scrape: evidence screenshot failed", "error", err)
		}
	}
	return ev
}

func (c *Collector) screenshot(ctx context.Context, page browser.Page, reason string) (string, error) {
	png, err := page.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d_%s.png", c.Now().UnixMilli(), sanitizeName(reason))
	path := filepath.Join(c.Dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
