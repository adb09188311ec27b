// Package token implements the Token Service (spec §4.7): one-time
// registration tokens gating agent registration, and long-lived signed
// agent tokens gating session acceptance.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
)

// RegistrationTokenBytes is the spec-mandated length of the random value
// backing a registration token, before base64 encoding.
const RegistrationTokenBytes = 48

// DefaultRegistrationTokenTTL bounds how long an unused registration token
// stays valid.
const DefaultRegistrationTokenTTL = 24 * time.Hour

// RegistrationService issues and redeems one-time registration tokens. Only
// a salted digest is ever persisted; the plain value is returned exactly
// once, at creation (spec §4.7, §6).
type RegistrationService struct {
	store store.TokenDigestStore
	salt  []byte
	now   func() time.Time
}

// NewRegistrationService builds a service backed by digestStore. salt is a
// server-wide secret mixed into the digest so a stolen database dump alone
// cannot be used to forge a valid token.
func NewRegistrationService(digestStore store.TokenDigestStore, salt []byte) *RegistrationService {
	return &RegistrationService{store: digestStore, salt: salt, now: time.Now}
}

// Issue generates a fresh registration token for organizationID and returns
// its plaintext. The caller must hand this value to the operator now — it
// is never retrievable again.
func (s *RegistrationService) Issue(ctx context.Context, organizationID string, ttl time.Duration) (plaintext string, expiresAt time.Time, err error) {
	if ttl <= 0 {
		ttl = DefaultRegistrationTokenTTL
	}
	raw := make([]byte, RegistrationTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("token: generating registration token: %w", err)
	}
	plaintext = base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	expiresAt = s.now().Add(ttl)

	if err := s.store.PutRegistrationToken(ctx, organizationID, s.digest(plaintext), expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("token: storing registration token: %w", err)
	}
	return plaintext, expiresAt, nil
}

// Redeem validates and consumes plaintext, returning the organization it
// was issued for. Single-use: a second call with the same plaintext fails.
func (s *RegistrationService) Redeem(ctx context.Context, plaintext string) (organizationID string, err error) {
	organizationID, ok, err := s.store.ConsumeRegistrationToken(ctx, s.digest(plaintext))
	if err != nil {
		return "", fmt.Errorf("token: redeeming registration token: %w", err)
	}
	if !ok {
		return "", flowerr.NewAuthError(flowerr.TokenInvalid, nil)
	}
	return organizationID, nil
}

// Revoke invalidates plaintext before it is ever redeemed.
func (s *RegistrationService) Revoke(ctx context.Context, plaintext string) error {
	return s.store.RevokeRegistrationToken(ctx, s.digest(plaintext))
}

// digest computes a salted SHA-256 digest. Redeem finds the stored record by
// a plain key lookup on this digest in the store; no constant-time
// comparison is made on that path.
func (s *RegistrationService) digest(plaintext string) string {
	h := sha256.New()
	h.Write(s.salt)
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil))
}

// constantTimeEqual compares two digests in constant time. Nothing in the
// package calls it; Redeem relies on the store's key lookup instead.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
