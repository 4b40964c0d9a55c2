// Package platform describes the marketplaces stallkeep knows how to log
// into and scrape. A Profile carries the structural knowledge about one
// marketplace: where login happens, how a logged-in page is recognised,
// which URL proves a session is still authenticated, and which selectors
// locate listing data.
//
// Profiles are data, not code: they load from YAML so a markup drift can be
// fixed without a release.
package platform

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknown is returned by Lookup for an unregistered marketplace name.
var ErrUnknown = errors.New("platform: unknown marketplace")

// ErrUnsafeURL is returned when a profile URL uses a non-HTTP(S) scheme.
// Profile files are operator-supplied, but the browser navigates to these
// URLs with live credentials, so schemes like file: or javascript: are
// rejected at load time.
var ErrUnsafeURL = errors.New("platform: profile URLs must be http or https")

func validateURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsafeURL, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrUnsafeURL, raw)
	}
	return nil
}

// Selectors locates listing fields on a marketplace page. Empty fields are
// simply not extracted; extraction degrades field-by-field.
type Selectors struct {
	Card       string `yaml:"card"`
	Name       string `yaml:"name"`
	Price      string `yaml:"price"`
	Commission string `yaml:"commission"`
	Popularity string `yaml:"popularity"`
	Category   string `yaml:"category"`
	Image      string `yaml:"image"`
	Link       string `yaml:"link"`
	NextPage   string `yaml:"next_page"`
}

// Profile is the structural description of one marketplace.
type Profile struct {
	Name               string    `yaml:"-"`
	LoginURL           string    `yaml:"login_url"`
	CheckURL           string    `yaml:"check_url"`
	ExpectedURLPattern string    `yaml:"expected_url_pattern"`
	LoggedInURLPattern string    `yaml:"logged_in_url_pattern"`
	LoggedInSelector   string    `yaml:"logged_in_selector"`
	ListingsURL        string    `yaml:"listings_url"`
	Selectors          Selectors `yaml:"selectors"`
	SessionTTLDays     int       `yaml:"session_ttl_days"`

	expectedRe *regexp.Regexp
	loggedInRe *regexp.Regexp
}

// minTTLDays..maxTTLDays bound the session lifetime; marketplaces rotate
// cookies on their own schedule, so anything outside this range is a typo.
const (
	defaultTTLDays = 14
	minTTLDays     = 1
	maxTTLDays     = 30
)

func (p *Profile) defaults() {
	if p.SessionTTLDays == 0 {
		p.SessionTTLDays = defaultTTLDays
	}
	if p.SessionTTLDays < minTTLDays {
		p.SessionTTLDays = minTTLDays
	}
	if p.SessionTTLDays > maxTTLDays {
		p.SessionTTLDays = maxTTLDays
	}
}

func (p *Profile) compile() error {
	var err error
	if p.ExpectedURLPattern != "" {
		if p.expectedRe, err = regexp.Compile(p.ExpectedURLPattern); err != nil {
			return fmt.Errorf("platform %s: expected_url_pattern: %w", p.Name, err)
		}
	}
	if p.LoggedInURLPattern != "" {
		if p.loggedInRe, err = regexp.Compile(p.LoggedInURLPattern); err != nil {
			return fmt.Errorf("platform %s: logged_in_url_pattern: %w", p.Name, err)
		}
	}
	return nil
}

// SessionTTL is how long a captured session is trusted before it is treated
// as expired regardless of what the marketplace says.
func (p *Profile) SessionTTL() time.Duration {
	return time.Duration(p.SessionTTLDays) * 24 * time.Hour
}

// MatchesExpectedURL reports whether a post-navigation URL satisfies the
// profile's expected pattern. An empty pattern accepts everything except
// login pages (the login check runs first in the verifier).
func (p *Profile) MatchesExpectedURL(u string) bool {
	if p.expectedRe == nil {
		return true
	}
	return p.expectedRe.MatchString(u)
}

// MatchesLoggedInURL reports whether a URL proves a completed login.
func (p *Profile) MatchesLoggedInURL(u string) bool {
	if p.loggedInRe == nil {
		return false
	}
	return p.loggedInRe.MatchString(u)
}

// IsLoginURL reports whether a URL looks like a login or signin page.
// This is the strongest structural signal that a session has expired:
// marketplaces redirect dead sessions there unconditionally.
func IsLoginURL(u string) bool {
	lower := strings.ToLower(u)
	for _, marker := range []string{"/login", "/signin", "/sign-in", "/auth/"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Registry holds the known profiles. It is populated at startup from YAML
// and/or Register calls; lookups after that are read-only.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Register validates and adds a profile, replacing any existing profile of
// the same name.
func (r *Registry) Register(name string, p *Profile) error {
	if name == "" {
		return fmt.Errorf("platform: profile name must not be empty")
	}
	if p.LoginURL == "" {
		return fmt.Errorf("platform %s: login_url is required", name)
	}
	for _, u := range []string{p.LoginURL, p.CheckURL, p.ListingsURL} {
		if err := validateURL(u); err != nil {
			return fmt.Errorf("platform %s: %w", name, err)
		}
	}
	p.Name = name
	p.defaults()
	if err := p.compile(); err != nil {
		return err
	}
	r.profiles[name] = p
	return nil
}

// Lookup returns the profile for a marketplace name.
func (r *Registry) Lookup(name string) (*Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p, nil
}

// Names returns the registered marketplace names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}

type profileFile struct {
	Platforms map[string]*Profile `yaml:"platforms"`
}

// LoadYAML registers all profiles found in a YAML document.
func (r *Registry) LoadYAML(data []byte) error {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("platform: parse yaml: %w", err)
	}
	for name, p := range f.Platforms {
		if err := r.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile registers all profiles from a YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("platform: read %s: %w", path, err)
	}
	return r.LoadYAML(data)
}
