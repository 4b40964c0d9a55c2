package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher. Headed pages always
	// launch locally; a remote Chrome has no display for a human.
	RemoteURL string

	// NavTimeout bounds every navigation. Default: 30s.
	NavTimeout time.Duration

	// ResourceBlocking lists resource types to block on headless pages
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// XvfbDisplay hosts headed logins on machines without a real display.
	// Empty = use the ambient DISPLAY.
	XvfbDisplay string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the shared headless Chrome and spawns dedicated visible
// Chromes for connect flows. The headless browser is launched lazily on
// first use and lives until Close.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	headless *rod.Browser
	lnch     *launcher.Launcher
	xvfb     *exec.Cmd
	closed   bool
}

// NewManager creates a Manager. No Chrome is started until a page is
// requested.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// HeadlessPage opens a stealth page on the shared headless browser. The
// caller owns the page and must Close it.
func (m *Manager) HeadlessPage(ctx context.Context) (Page, error) {
	b, err := m.headlessBrowser()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create stealth page: %w", err)
	}

	if len(m.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, m.cfg.ResourceBlocking); err != nil {
			m.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}

	return &rodPage{page: page, navTimeout: m.cfg.NavTimeout, logger: m.cfg.Logger}, nil
}

// HeadedPage launches a dedicated visible Chrome and opens a stealth page
// on it. Closing the returned page tears the whole browser process down,
// so an abandoned login never leaks a Chrome.
func (m *Manager) HeadedPage(ctx context.Context) (Page, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.cfg.XvfbDisplay != "" {
		if err := m.startXvfbLocked(); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	m.mu.Unlock()

	l := launcher.New().Headless(false).
		Set("disable-blink-features", "AutomationControlled")
	if m.cfg.XvfbDisplay != "" {
		l = l.Env("DISPLAY=" + m.cfg.XvfbDisplay)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch headed chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect headed chrome: %w", err)
	}
	m.cfg.Logger.Info("browser: launched headed chrome", "url", wsURL)

	page, err := stealth.Page(b)
	if err != nil {
		b.Close()
		l.Cleanup()
		return nil, fmt.Errorf("browser: create headed page: %w", err)
	}

	return &rodPage{
		page:         page,
		navTimeout:   m.cfg.NavTimeout,
		logger:       m.cfg.Logger,
		ownedBrowser: b,
		ownedLnch:    l,
	}, nil
}

// Close shuts down the shared headless Chrome and Xvfb. Headed pages hold
// their own browsers and are unaffected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	if m.headless != nil {
		m.headless.Close()
		m.headless = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfbLocked()
	return nil
}

func (m *Manager) headlessBrowser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.headless != nil {
		return m.headless, nil
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		m.cfg.Logger.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		m.cfg.Logger.Warn("browser: ignore cert errors failed", "error", err)
	}

	m.headless = b
	return b, nil
}
