// Package vault issues short-lived opaque references to payment details.
// Only a masked form and a keyed fingerprint are kept; raw input is dropped
// as soon as it has been masked.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"golang.org/x/crypto/blake2b"
)

const tokenPrefix = "tok_"

var tokenPattern = regexp.MustCompile(`^tok_[0-9a-f]{32}$`)

type Kind string

const (
	KindCard   Kind = "card"
	KindPhone  Kind = "phone"
	KindOpaque Kind = "opaque"
)

// Entry is what the vault keeps for a token.
type Entry struct {
	Token       string    `json:"token"`
	Kind        Kind      `json:"kind"`
	Masked      string    `json:"maskedData"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (e Entry) Expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Store holds entries until they expire. Implementations evict each key on its
// own expiry; Get may still return an expired entry and the vault deletes it.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, token string) (Entry, bool, error)
	Delete(ctx context.Context, token string) error
}

type Vault struct {
	store Store
	ttl   time.Duration
	key   []byte
	now   func() time.Time
}

// New builds a vault. An empty fingerprint key is replaced with a random one,
// which makes fingerprints stable only for the life of the process.
func New(store Store, ttl time.Duration, fingerprintKey string) (*Vault, error) {
	key := []byte(fingerprintKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate fingerprint key: %w", err)
		}
	}
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Vault{store: store, ttl: ttl, key: key, now: time.Now}, nil
}

// Issue tokenizes sensitive and returns the stored entry.
func (v *Vault) Issue(ctx context.Context, sensitive string) (Entry, error) {
	kind, normalized, masked, err := classify(sensitive)
	if err != nil {
		return Entry{}, err
	}

	fp, err := v.fingerprint(normalized)
	if err != nil {
		return Entry{}, err
	}
	tok, err := newToken()
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Token:       tok,
		Kind:        kind,
		Masked:      masked,
		Fingerprint: fp,
		ExpiresAt:   v.now().Add(v.ttl).UTC(),
	}
	if err := v.store.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("store token: %w", err)
	}
	return e, nil
}

// Validate is a format check only; it does not touch the store.
func (v *Vault) Validate(token string) bool {
	return tokenPattern.MatchString(token)
}

// Resolve returns the entry for token while it is live. Reads do not consume
// the token; it stays readable until its TTL elapses.
func (v *Vault) Resolve(ctx context.Context, token string) (Entry, error) {
	if !v.Validate(token) {
		return Entry{}, apperr.New(apperr.ErrInvalidToken, "payment token is malformed")
	}
	e, ok, err := v.store.Get(ctx, token)
	if err != nil {
		return Entry{}, fmt.Errorf("load token: %w", err)
	}
	if !ok {
		return Entry{}, apperr.New(apperr.ErrTokenExpired, "payment token expired or unknown")
	}
	if e.Expired(v.now()) {
		if err := v.store.Delete(ctx, token); err != nil {
			return Entry{}, fmt.Errorf("delete expired token: %w", err)
		}
		return Entry{}, apperr.New(apperr.ErrTokenExpired, "payment token expired")
	}
	return e, nil
}

func (v *Vault) fingerprint(normalized string) (string, error) {
	h, err := blake2b.New256(v.key)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}
