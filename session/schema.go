package session

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    account_id               TEXT NOT NULL,
    platform                 TEXT NOT NULL,
    encrypted_session        BLOB,
    session_iv               BLOB,
    session_auth_tag         BLOB,
    connect_token            TEXT,
    connect_token_expires_at INTEGER NOT NULL DEFAULT 0,
    status                   TEXT NOT NULL DEFAULT 'pending_connect',
    cookie_count             INTEGER NOT NULL DEFAULT 0,
    fingerprint              TEXT NOT NULL DEFAULT '',
    expires_at               INTEGER NOT NULL DEFAULT 0,
    last_verified_at         INTEGER NOT NULL DEFAULT 0,
    last_used_at             INTEGER NOT NULL DEFAULT 0,
    last_error               TEXT NOT NULL DEFAULT '',
    last_url                 TEXT NOT NULL DEFAULT '',
    evidence_json            TEXT NOT NULL DEFAULT '',
    created_at               INTEGER NOT NULL,
    updated_at               INTEGER NOT NULL,
    PRIMARY KEY (account_id, platform)
);

CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions (connect_token);
`

// ApplySchema creates the sessions table. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
