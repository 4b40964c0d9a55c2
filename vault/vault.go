// Package vault implements authenticated encryption for serialized session
// blobs: AES-256-GCM with a per-call random IV and a key derived from the
// configured master secret via HKDF-SHA256.
//
// The IV is generated inside Encrypt on every invocation and is never
// caller-supplied, so IV reuse cannot be introduced at a call site.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLen is the minimum acceptable length for the master secret.
// 32 bytes = 256 bits of entropy.
const MinSecretLen = 32

const (
	keyLen = 32 // AES-256
	ivLen  = 12 // GCM standard nonce size
	tagLen = 16 // GCM tag size
)

// hkdfInfo domain-separates the session key from any other use of the secret.
var hkdfInfo = []byte("stallkeep session vault v1")

// ErrSecretTooShort is returned by New when the master secret is shorter
// than MinSecretLen. Startup must treat this as fatal.
var ErrSecretTooShort = fmt.Errorf("vault: master secret must be at least %d bytes", MinSecretLen)

// ErrIntegrity is returned by Decrypt when the authentication tag does not
// verify. The blob is tampered or corrupted; discard it, never retry.
var ErrIntegrity = errors.New("vault: ciphertext integrity check failed")

// Envelope is one encrypted blob: ciphertext plus the parameters needed to
// authenticate and decrypt it.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Vault encrypts and decrypts session blobs with a fixed derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AEAD key from secret and returns a ready Vault.
// It fails if the secret is missing or malformed so the process can refuse
// to start rather than persist sessions it cannot protect.
func New(secret []byte) (*Vault, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}

	key := make([]byte, keyLen)
	kdf := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm init: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV and returns the envelope.
func (v *Vault) Encrypt(plaintext []byte) (*Envelope, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault: generate iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)

	// GCM appends the tag to the ciphertext; split it so the envelope
	// matches the stored column layout (blob, iv, auth_tag).
	cut := len(sealed) - tagLen
	return &Envelope{
		IV:         iv,
		Ciphertext: sealed[:cut],
		Tag:        sealed[cut:],
	}, nil
}

// Decrypt opens an envelope. Any modification of the ciphertext, IV, or tag
// yields ErrIntegrity; corrupted plaintext is never returned.
func (v *Vault) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil || len(env.IV) != ivLen || len(env.Tag) != tagLen {
		return nil, ErrIntegrity
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := v.aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
