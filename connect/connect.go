// Package connect drives the human-in-the-loop login flows that produce
// encrypted sessions. Two variants share one service: the headed flow opens
// a visible browser and waits for a human to authenticate in it; the
// token-upload flow hands out a single-use token and accepts a storage
// state captured elsewhere.
//
// Neither variant ever touches credentials. The system only sees the
// post-login browser state.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/idgen"
	"github.com/kervalen/stallkeep/platform"
	"github.com/kervalen/stallkeep/session"
	"github.com/kervalen/stallkeep/vault"
)

// ErrAttemptNotFound is returned when a connect-session ID does not match
// any live attempt (never started, already completed, or reaped).
var ErrAttemptNotFound = errors.New("connect: attempt not found")

// ErrBadState is returned when an uploaded storage state cannot be parsed
// or carries no cookies.
var ErrBadState = errors.New("connect: invalid storage state")

// DefaultTokenTTL is the window in which a connect token can be spent.
const DefaultTokenTTL = 10 * time.Minute

// PageOpener launches visible browser pages for headed logins.
type PageOpener interface {
	HeadedPage(ctx context.Context) (browser.Page, error)
}

// Config configures the connect Service.
type Config struct {
	// TokenTTL bounds connect-token validity. Default: 10 minutes.
	TokenTTL time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TokenTTL <= 0 || c.TokenTTL > DefaultTokenTTL {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service owns the connect flows for all platforms.
type Service struct {
	cfg       Config
	sessions  *session.Store
	platforms *platform.Registry
	opener    PageOpener
	registry  *Registry
	vault     *vault.Vault

	// Capture is pluggable; defaults to reading the page's storage state.
	Capture CaptureStrategy

	// NewID and NewToken are injectable for tests.
	NewID    idgen.Generator
	NewToken idgen.Generator
	Now      func() time.Time
}

// NewService wires a connect Service.
func NewService(sessions *session.Store, platforms *platform.Registry, opener PageOpener, registry *Registry, v *vault.Vault, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		platforms: platforms,
		opener:    opener,
		registry:  registry,
		vault:     v,
		Capture:   &pageCapture{vault: v},
		NewID:     idgen.Prefixed("conn_", idgen.NanoID(16)),
		NewToken:  idgen.NanoID(32),
		Now:       time.Now,
	}
}

// StartResult is the outcome of phase one of the headed flow.
type StartResult struct {
	ConnectSessionID string `json:"connectSessionId"`
	LoginURL         string `json:"loginUrl"`
	Message          string `json:"message"`
}

// Start opens a visible browser at the platform's login page and registers
// the attempt. Any prior pending record for the same (account, platform) is
// superseded.
func (s *Service) Start(ctx context.Context, accountID, platformName string) (*StartResult, error) {
	prof, err := s.platforms.Lookup(platformName)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.UpsertPending(ctx, accountID, platformName, s.NewToken(), s.cfg.TokenTTL); err != nil {
		return nil, err
	}

	page, err := s.opener.HeadedPage(ctx)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, prof.LoginURL); err != nil {
		page.Close()
		return nil, err
	}

	id := s.NewID()
	s.registry.Put(&Attempt{
		ID:        id,
		AccountID: accountID,
		Platform:  platformName,
		Page:      page,
		StartedAt: s.Now(),
	})

	s.cfg.Logger.Info("connect: attempt started",
		"id", id, "account", accountID, "platform", platformName)

	return &StartResult{
		ConnectSessionID: id,
		LoginURL:         prof.LoginURL,
		Message:          "log in to " + platformName + " in the opened browser window, then complete the connection",
	}, nil
}

// CompleteResult is the outcome of phase two of the headed flow. Success
// false is non-terminal: the human has not finished logging in yet and the
// browser stays open.
type CompleteResult struct {
	Success     bool   `json:"success"`
	CurrentURL  string `json:"currentUrl,omitempty"`
	CookieCount int    `json:"cookieCount,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Complete checks whether the human finished logging in; if so it captures
// and encrypts the session, activates the record, and closes the browser.
// The browser is closed even when persisting fails: a captured login must
// never linger in a window nobody owns.
func (s *Service) Complete(ctx context.Context, connectSessionID string) (*CompleteResult, error) {
	a := s.registry.Get(connectSessionID)
	if a == nil {
		return nil, ErrAttemptNotFound
	}
	prof, err := s.platforms.Lookup(a.Platform)
	if err != nil {
		return nil, err
	}

	page := a.Page
	currentURL := page.URL()
	if !s.loggedIn(page, prof, currentURL) {
		return &CompleteResult{
			Success:    false,
			CurrentURL: currentURL,
			Message:    "login not detected yet; finish logging in and try again",
		}, nil
	}

	// Point of no return: the attempt leaves the registry and the page is
	// closed on every path below.
	s.registry.Remove(connectSessionID)
	defer page.Close()

	env, meta, err := s.Capture.Capture(ctx, page)
	if err != nil {
		return nil, err
	}
	meta.ExpiresAt = s.Now().Add(prof.SessionTTL())

	if err := s.sessions.Activate(ctx, a.AccountID, a.Platform, env, meta); err != nil {
		return nil, err
	}

	s.cfg.Logger.Info("connect: session activated",
		"account", a.AccountID, "platform", a.Platform,
		"cookies", meta.CookieCount, "expiresAt", meta.ExpiresAt)

	return &CompleteResult{
		Success:     true,
		CurrentURL:  currentURL,
		CookieCount: meta.CookieCount,
		ExpiresAt:   meta.ExpiresAt.UnixMilli(),
		Message:     "session captured",
	}, nil
}

// StatusResult describes a live attempt without side effects.
type StatusResult struct {
	Found      bool   `json:"found"`
	CurrentURL string `json:"currentUrl,omitempty"`
	IsLoggedIn bool   `json:"isLoggedIn"`
}

// Status reports whether the human appears to have finished logging in.
func (s *Service) Status(ctx context.Context, connectSessionID string) (*StatusResult, error) {
	a := s.registry.Get(connectSessionID)
	if a == nil {
		return &StatusResult{Found: false}, nil
	}
	prof, err := s.platforms.Lookup(a.Platform)
	if err != nil {
		return nil, err
	}
	currentURL := a.Page.URL()
	return &StatusResult{
		Found:      true,
		CurrentURL: currentURL,
		IsLoggedIn: s.loggedIn(a.Page, prof, currentURL),
	}, nil
}

// loggedIn is the structural logged-in predicate: the URL matched the
// profile's logged-in pattern, or the post-login selector is present.
func (s *Service) loggedIn(page browser.Page, prof *platform.Profile, currentURL string) bool {
	if prof.MatchesLoggedInURL(currentURL) {
		return true
	}
	if prof.LoggedInSelector != "" {
		ok, err := page.Has(prof.LoggedInSelector)
		if err != nil {
			s.cfg.Logger.Warn("connect: logged-in selector check failed",
				"selector", prof.LoggedInSelector, "error", err)
			return false
		}
		return ok
	}
	return false
}

// TokenResult is a freshly issued connect token for the upload flow.
type TokenResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// GenerateToken issues a single-use token under which a storage state
// captured elsewhere can be uploaded.
func (s *Service) GenerateToken(ctx context.Context, accountID, platformName string) (*TokenResult, error) {
	if _, err := s.platforms.Lookup(platformName); err != nil {
		return nil, err
	}
	token := s.NewToken()
	if err := s.sessions.UpsertPending(ctx, accountID, platformName, token, s.cfg.TokenTTL); err != nil {
		return nil, err
	}
	return &TokenResult{
		Token:     token,
		ExpiresAt: s.Now().Add(s.cfg.TokenTTL).UnixMilli(),
	}, nil
}

// UploadResult confirms an accepted upload.
type UploadResult struct {
	AccountID   string `json:"accountId"`
	Platform    string `json:"platform"`
	CookieCount int    `json:"cookieCount"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// UploadStorageState validates and seals an externally captured storage
// state, then claims the token and activates the record in one atomic
// statement. A spent or unknown token fails with session.ErrTokenNotFound,
// a stale one with session.ErrTokenExpired.
func (s *Service) UploadStorageState(ctx context.Context, token string, rawState []byte, fingerprintHint string) (*UploadResult, error) {
	state, err := session.ParseStorageState(rawState)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	if state.CookieCount() == 0 {
		return nil, fmt.Errorf("%w: no cookies", ErrBadState)
	}

	// Resolve the platform first so the activation carries its TTL.
	rec, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, session.ErrTokenNotFound
	}
	prof, err := s.platforms.Lookup(rec.Platform)
	if err != nil {
		return nil, err
	}

	env, meta, err := sealState(s.vault, state)
	if err != nil {
		return nil, err
	}
	if fingerprintHint != "" {
		meta.Fingerprint = fingerprintHint
	}
	meta.ExpiresAt = s.Now().Add(prof.SessionTTL())

	accountID, platformName, err := s.sessions.ActivateByToken(ctx, token, env, meta)
	if err != nil {
		return nil, err
	}

	s.cfg.Logger.Info("connect: session uploaded",
		"account", accountID, "platform", platformName, "cookies", meta.CookieCount)

	return &UploadResult{
		AccountID:   accountID,
		Platform:    platformName,
		CookieCount: meta.CookieCount,
		ExpiresAt:   meta.ExpiresAt.UnixMilli(),
	}, nil
}
