package connect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kervalen/stallkeep/browser"
	"github.com/kervalen/stallkeep/session"
	"github.com/kervalen/stallkeep/vault"
)

// CaptureStrategy turns a live logged-in page into an encrypted session
// payload plus its activation metadata. The headed flow and any future
// capture mode (extension relay, CDP attach) plug in here.
type CaptureStrategy interface {
	Capture(ctx context.Context, page browser.Page) (*vault.Envelope, session.ActivationMeta, error)
}

// pageCapture reads the browser's storage state and seals it.
type pageCapture struct {
	vault *vault.Vault
}

func (c *pageCapture) Capture(ctx context.Context, page browser.Page) (*vault.Envelope, session.ActivationMeta, error) {
	state, err := page.CaptureStorageState(ctx)
	if err != nil {
		return nil, session.ActivationMeta{}, fmt.Errorf("connect: capture storage state: %w", err)
	}
	return sealState(c.vault, state)
}

// sealState serializes, encrypts, and fingerprints a storage state. Shared
// by the headed capture and the token-upload path.
func sealState(v *vault.Vault, state *session.StorageState) (*vault.Envelope, session.ActivationMeta, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, session.ActivationMeta{}, fmt.Errorf("connect: marshal storage state: %w", err)
	}
	env, err := v.Encrypt(data)
	if err != nil {
		return nil, session.ActivationMeta{}, fmt.Errorf("connect: encrypt storage state: %w", err)
	}
	return env, session.ActivationMeta{
		CookieCount: state.CookieCount(),
		Fingerprint: fingerprint(state),
	}, nil
}

// fingerprint derives a short stable identifier from the cookie shape of a
// state. Informational only: it lets an operator see whether a reconnect
// produced a materially different session, it never gates reuse.
func fingerprint(state *session.StorageState) string {
	if state == nil || len(state.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		names = append(names, c.Domain+"/"+c.Name)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:8])
}
