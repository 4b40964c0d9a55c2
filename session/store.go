package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kervalen/stallkeep/vault"
)

// Store persists session records in SQLite and owns the cipher boundary:
// storage states cross it encrypted on the way in and decrypted on the way
// out. Concurrent upserts for the same key race safely at the database
// layer (latest write wins on the unique key).
type Store struct {
	DB     *sql.DB
	vault  *vault.Vault
	logger *slog.Logger

	// Now is injectable for tests; expiry is always computed against it.
	Now func() time.Time
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB, v *vault.Vault, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, vault: v, logger: logger, Now: time.Now}
}

// ActivationMeta carries the non-secret metadata recorded when a capture
// succeeds.
type ActivationMeta struct {
	CookieCount int
	Fingerprint string
	ExpiresAt   time.Time
}

// UpsertPending records a fresh connect token for (account, platform),
// superseding any prior pending attempt for the same key. The encrypted
// blob columns are cleared: a pending record never holds a session.
func (s *Store) UpsertPending(ctx context.Context, accountID, platformName, token string, tokenTTL time.Duration) error {
	now := s.Now().UnixMilli()
	tokenExp := s.Now().Add(tokenTTL).UnixMilli()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (account_id, platform, connect_token, connect_token_expires_at,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, platform) DO UPDATE SET
			connect_token = excluded.connect_token,
			connect_token_expires_at = excluded.connect_token_expires_at,
			status = excluded.status,
			encrypted_session = NULL,
			session_iv = NULL,
			session_auth_tag = NULL,
			last_error = '',
			evidence_json = '',
			updated_at = excluded.updated_at`,
		accountID, platformName, token, tokenExp, StatusPendingConnect, now, now)
	if err != nil {
		return fmt.Errorf("session: upsert pending: %w", err)
	}
	return nil
}

// Activate upserts a captured session to active with its computed expiry.
// Any outstanding connect token for the key is cleared.
func (s *Store) Activate(ctx context.Context, accountID, platformName string, env *vault.Envelope, meta ActivationMeta) error {
	now := s.Now().UnixMilli()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (account_id, platform, encrypted_session, session_iv,
			session_auth_tag, status, cookie_count, fingerprint, expires_at,
			connect_token, connect_token_expires_at, last_error, evidence_json,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, '', '', ?, ?)
		ON CONFLICT (account_id, platform) DO UPDATE SET
			encrypted_session = excluded.encrypted_session,
			session_iv = excluded.session_iv,
			session_auth_tag = excluded.session_auth_tag,
			status = excluded.status,
			cookie_count = excluded.cookie_count,
			fingerprint = excluded.fingerprint,
			expires_at = excluded.expires_at,
			connect_token = NULL,
			connect_token_expires_at = 0,
			last_error = '',
			evidence_json = '',
			updated_at = excluded.updated_at`,
		accountID, platformName, env.Ciphertext, env.IV, env.Tag,
		StatusActive, meta.CookieCount, meta.Fingerprint, meta.ExpiresAt.UnixMilli(),
		now, now)
	if err != nil {
		return fmt.Errorf("session: activate: %w", err)
	}
	return nil
}

// ActivateByToken claims a connect token and activates its record in one
// statement, so a token can only ever be spent once. Returns
// ErrTokenNotFound or ErrTokenExpired when the claim fails.
func (s *Store) ActivateByToken(ctx context.Context, token string, env *vault.Envelope, meta ActivationMeta) (accountID, platformName string, err error) {
	now := s.Now().UnixMilli()

	row := s.DB.QueryRowContext(ctx, `
		UPDATE sessions SET
			encrypted_session = ?, session_iv = ?, session_auth_tag = ?,
			status = ?, cookie_count = ?, fingerprint = ?, expires_at = ?,
			connect_token = NULL, connect_token_expires_at = 0,
			last_error = '', evidence_json = '', updated_at = ?
		WHERE connect_token = ? AND connect_token_expires_at > ?
		RETURNING account_id, platform`,
		env.Ciphertext, env.IV, env.Tag,
		StatusActive, meta.CookieCount, meta.Fingerprint, meta.ExpiresAt.UnixMilli(),
		now, token, now)

	err = row.Scan(&accountID, &platformName)
	if err == nil {
		return accountID, platformName, nil
	}
	if err != sql.ErrNoRows {
		return "", "", fmt.Errorf("session: activate by token: %w", err)
	}

	// Distinguish a spent/unknown token from an expired one.
	var exp int64
	err = s.DB.QueryRowContext(ctx,
		`SELECT connect_token_expires_at FROM sessions WHERE connect_token = ?`, token).Scan(&exp)
	if err == sql.ErrNoRows {
		return "", "", ErrTokenNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("session: look up token: %w", err)
	}
	return "", "", ErrTokenExpired
}

// Load returns the decrypted storage state for (account, platform), or nil
// when the record is absent, not active, or past its expiry — expiry is
// recomputed against the clock, never read from the stored status. Loading
// touches last_used_at as a side effect.
func (s *Store) Load(ctx context.Context, accountID, platformName string) (*StorageState, error) {
	rec, err := s.Get(ctx, accountID, platformName)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != StatusActive || len(rec.Blob) == 0 {
		return nil, nil
	}
	if rec.ExpiresAt > 0 && s.Now().UnixMilli() > rec.ExpiresAt {
		return nil, nil
	}

	plaintext, err := s.vault.Decrypt(&vault.Envelope{IV: rec.IV, Ciphertext: rec.Blob, Tag: rec.AuthTag})
	if err != nil {
		// Tampered or undecryptable: fail closed, surface the crypto error.
		return nil, err
	}
	state, err := ParseStorageState(plaintext)
	if err != nil {
		return nil, err
	}

	now := s.Now().UnixMilli()
	if _, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = ?, updated_at = ? WHERE account_id = ? AND platform = ?`,
		now, now, accountID, platformName); err != nil {
		s.logger.Warn("session: touch last_used_at failed", "account", accountID, "platform", platformName, "error", err)
	}
	return state, nil
}

// FindByToken returns the record currently holding a connect token, or nil.
// The read is advisory (the atomic claim happens in ActivateByToken); it
// exists so callers can resolve the platform behind a token first.
func (s *Store) FindByToken(ctx context.Context, token string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT account_id, platform, encrypted_session, session_iv, session_auth_tag,
			connect_token, connect_token_expires_at, status, cookie_count, fingerprint,
			expires_at, last_verified_at, last_used_at, last_error, last_url,
			evidence_json, created_at, updated_at
		FROM sessions WHERE connect_token = ?`, token)
	return scanRecord(row)
}

// Get returns the raw record, or nil when absent.
func (s *Store) Get(ctx context.Context, accountID, platformName string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT account_id, platform, encrypted_session, session_iv, session_auth_tag,
			connect_token, connect_token_expires_at, status, cookie_count, fingerprint,
			expires_at, last_verified_at, last_used_at, last_error, last_url,
			evidence_json, created_at, updated_at
		FROM sessions WHERE account_id = ? AND platform = ?`,
		accountID, platformName)
	return scanRecord(row)
}

// MarkNeedsReconnect transitions a record to needs_reconnect, unconditionally
// overwriting any previous failure — the latest reason wins. Calling it
// repeatedly is safe. The evidence bundle is serialized next to the reason.
func (s *Store) MarkNeedsReconnect(ctx context.Context, accountID, platformName, reason string, ev *Evidence) error {
	now := s.Now().UnixMilli()

	evidenceJSON := ""
	lastURL := ""
	if ev != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("session: marshal evidence failed", "error", err)
		} else {
			evidenceJSON = string(data)
		}
		lastURL = ev.CurrentURL
	}

	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_error = ?, evidence_json = ?,
			last_url = CASE WHEN ? != '' THEN ? ELSE last_url END,
			updated_at = ?
		WHERE account_id = ? AND platform = ?`,
		StatusNeedsReconnect, reason, evidenceJSON, lastURL, lastURL, now,
		accountID, platformName)
	if err != nil {
		return fmt.Errorf("session: mark needs_reconnect: %w", err)
	}
	return nil
}

// MarkVerified records a successful verification probe.
func (s *Store) MarkVerified(ctx context.Context, accountID, platformName, currentURL string) error {
	now := s.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET last_verified_at = ?, last_url = ?, updated_at = ?
		WHERE account_id = ? AND platform = ?`,
		now, currentURL, now, accountID, platformName)
	if err != nil {
		return fmt.Errorf("session: mark verified: %w", err)
	}
	return nil
}

// GetStatus is a pure read: it derives the effective status from the stored
// status AND the expiry clock, without writing anything back. A record past
// its expires_at always reports needsReconnect regardless of the stored
// status value.
func (s *Store) GetStatus(ctx context.Context, accountID, platformName string) (*StatusInfo, error) {
	rec, err := s.Get(ctx, accountID, platformName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &StatusInfo{Found: false, NeedsReconnect: true}, nil
	}

	effective := rec.Status
	if rec.ExpiresAt > 0 && s.Now().UnixMilli() > rec.ExpiresAt {
		effective = StatusExpired
	}

	return &StatusInfo{
		Found:          true,
		Status:         effective,
		Connected:      effective == StatusActive,
		NeedsReconnect: effective != StatusActive,
		CookieCount:    rec.CookieCount,
		Fingerprint:    rec.Fingerprint,
		ExpiresAt:      rec.ExpiresAt,
		LastVerifiedAt: rec.LastVerifiedAt,
		LastError:      rec.LastError,
		LastURL:        rec.LastURL,
	}, nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var token sql.NullString
	err := row.Scan(
		&rec.AccountID, &rec.Platform, &rec.Blob, &rec.IV, &rec.AuthTag,
		&token, &rec.ConnectTokenExpiresAt, &rec.Status, &rec.CookieCount,
		&rec.Fingerprint, &rec.ExpiresAt, &rec.LastVerifiedAt, &rec.LastUsedAt,
		&rec.LastError, &rec.LastURL, &rec.EvidenceJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan record: %w", err)
	}
	rec.ConnectToken = token.String
	return &rec, nil
}
