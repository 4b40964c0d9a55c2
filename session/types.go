// Package session persists encrypted marketplace sessions and derives their
// lifecycle status. One record exists per (account, platform); the encrypted
// blob is present only while the record is active or awaiting human
// reconnection.
package session

import (
	"encoding/json"
	"fmt"
)

// Status is the stored lifecycle state of a session record.
type Status string

const (
	// StatusPendingConnect: a connect token was issued, no capture yet.
	StatusPendingConnect Status = "pending_connect"
	// StatusActive: a storage state was captured and is trusted.
	StatusActive Status = "active"
	// StatusNeedsReconnect: headless reuse failed; a human must log in again.
	StatusNeedsReconnect Status = "needs_reconnect"
	// StatusExpired: derived when now passes expires_at. Reads compute this
	// lazily; the stored column is never trusted on its own.
	StatusExpired Status = "expired"
)

// Record mirrors one row of the sessions table.
type Record struct {
	AccountID             string
	Platform              string
	Blob                  []byte
	IV                    []byte
	AuthTag               []byte
	ConnectToken          string
	ConnectTokenExpiresAt int64 // unix ms, 0 = no token
	Status                Status
	CookieCount           int
	Fingerprint           string
	ExpiresAt             int64 // unix ms, 0 = never set
	LastVerifiedAt        int64
	LastUsedAt            int64
	LastError             string
	LastURL               string
	EvidenceJSON          string
	CreatedAt             int64
	UpdatedAt             int64
}

// Cookie is one browser cookie inside a storage state.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 = session cookie
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// LocalStorageItem is one localStorage key/value pair.
type LocalStorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState carries the localStorage of one origin.
type OriginState struct {
	Origin       string             `json:"origin"`
	LocalStorage []LocalStorageItem `json:"localStorage,omitempty"`
}

// StorageState is the serialized authenticated browsing session: cookies
// plus per-origin localStorage.
type StorageState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins,omitempty"`
}

// CookieCount returns the number of cookies in the state.
func (s *StorageState) CookieCount() int {
	if s == nil {
		return 0
	}
	return len(s.Cookies)
}

// ParseStorageState decodes a serialized storage state, rejecting documents
// that are not the expected shape.
func ParseStorageState(data []byte) (*StorageState, error) {
	var s StorageState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: parse storage state: %w", err)
	}
	return &s, nil
}

// Evidence is the diagnostic bundle attached to a needs_reconnect
// transition so the cause is inspectable without re-deriving it.
type Evidence struct {
	Timestamp     int64  `json:"timestamp"`
	CurrentURL    string `json:"current_url,omitempty"`
	CookieCount   int    `json:"cookie_count"`
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
	ErrorContext  string `json:"error_context,omitempty"`
}

// StatusInfo is the derived, read-only view of a record's health.
type StatusInfo struct {
	Found          bool   `json:"found"`
	Status         Status `json:"status,omitempty"`
	Connected      bool   `json:"connected"`
	NeedsReconnect bool   `json:"needsReconnect"`
	CookieCount    int    `json:"cookieCount,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"`
	LastVerifiedAt int64  `json:"lastVerifiedAt,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastURL        string `json:"lastUrl,omitempty"`
}
