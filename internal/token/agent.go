package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowgate/flowgate/internal/flowerr"
)

// agentClaims is the signed claim set for an agent token (spec §4.7):
// (agent_id, organization_id, issued_at, expiry, kind=agent).
type agentClaims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org"`
	Kind           string `json:"kind"`
}

const agentTokenKind = "agent"

// SigningKey is one entry in the ordered signing-key set (spec §4.7: "the
// service holds an ordered set of signing keys; new tokens are signed with
// the newest; verification accepts any non-retired key").
type SigningKey struct {
	ID     string
	Secret []byte
}

// AgentService issues and verifies long-lived agent tokens.
type AgentService struct {
	keys []SigningKey // keys[len(keys)-1] is newest/active
	now  func() time.Time
	ttl  time.Duration

	lookupAgent func(organizationID, agentID string) (found bool, deleted bool)
}

// NewAgentService builds a service over an ordered signing-key set (oldest
// first, newest last) and a lookup callback the registry provides to
// satisfy the "agent_id references an existing, non-deleted agent" check.
// The callback is handed the organization_id already decoded from the
// token's claims, matching store.AgentStore.GetAgentByID's shape directly.
func NewAgentService(keys []SigningKey, ttl time.Duration, lookupAgent func(organizationID, agentID string) (found bool, deleted bool)) *AgentService {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &AgentService{keys: keys, now: time.Now, ttl: ttl, lookupAgent: lookupAgent}
}

// Issue returns a new agent token, signed with the newest key, returned
// exactly once at registration (spec §4.7).
func (s *AgentService) Issue(agentID, organizationID string) (string, error) {
	if len(s.keys) == 0 {
		return "", fmt.Errorf("token: no signing keys configured")
	}
	active := s.keys[len(s.keys)-1]
	now := s.now()
	claims := agentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		OrganizationID: organizationID,
		Kind:           agentTokenKind,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = active.ID
	signed, err := tok.SignedString(active.Secret)
	if err != nil {
		return "", fmt.Errorf("token: signing agent token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, kind, and that agent_id still resolves
// to a live agent in the claimed organization. Failure modes map directly
// to spec §4.7's TokenInvalid / TokenExpired / TokenUnknownAgent.
func (s *AgentService) Verify(tokenString, organizationID string) (agentID string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &agentClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range s.keys {
			if k.ID == kid {
				return k.Secret, nil
			}
		}
		// No kid header (or unknown kid): fall back to trying every key, so
		// a client holding a still-valid but older token format isn't
		// rejected purely for missing metadata.
		return nil, fmt.Errorf("token: unknown signing key %q", kid)
	})
	if err != nil {
		if fallback, ferr := s.verifyAnyKey(tokenString); ferr == nil {
			parsed = fallback
		} else {
			if isExpiryError(err) {
				return "", flowerr.NewAuthError(flowerr.TokenExpired, err)
			}
			return "", flowerr.NewAuthError(flowerr.TokenInvalid, err)
		}
	}

	claims, ok := parsed.Claims.(*agentClaims)
	if !ok || !parsed.Valid {
		return "", flowerr.NewAuthError(flowerr.TokenInvalid, nil)
	}
	if claims.Kind != agentTokenKind {
		return "", flowerr.NewAuthError(flowerr.TokenInvalid, fmt.Errorf("unexpected token kind %q", claims.Kind))
	}
	if claims.OrganizationID != organizationID {
		return "", flowerr.NewAuthError(flowerr.TokenOrgMismatch, nil)
	}

	agentID = claims.Subject
	if s.lookupAgent != nil {
		found, deleted := s.lookupAgent(organizationID, agentID)
		if !found || deleted {
			return "", flowerr.NewAuthError(flowerr.TokenUnknownAgent, nil)
		}
	}
	return agentID, nil
}

// VerifyUnbound checks signature, expiry, kind, and agent liveness exactly
// as Verify does, but without requiring the caller to already know the
// agent's organization — the claimed organization_id comes back alongside
// agent_id. Used by the transport terminators, which authenticate a
// connection before any organization context is otherwise available.
func (s *AgentService) VerifyUnbound(tokenString string) (agentID, organizationID string, err error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &agentClaims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range s.keys {
			if k.ID == kid {
				return k.Secret, nil
			}
		}
		return nil, fmt.Errorf("token: unknown signing key %q", kid)
	})
	if err != nil {
		if fallback, ferr := s.verifyAnyKey(tokenString); ferr == nil {
			parsed = fallback
		} else {
			if isExpiryError(err) {
				return "", "", flowerr.NewAuthError(flowerr.TokenExpired, err)
			}
			return "", "", flowerr.NewAuthError(flowerr.TokenInvalid, err)
		}
	}

	claims, ok := parsed.Claims.(*agentClaims)
	if !ok || !parsed.Valid {
		return "", "", flowerr.NewAuthError(flowerr.TokenInvalid, nil)
	}
	if claims.Kind != agentTokenKind {
		return "", "", flowerr.NewAuthError(flowerr.TokenInvalid, fmt.Errorf("unexpected token kind %q", claims.Kind))
	}

	agentID = claims.Subject
	organizationID = claims.OrganizationID
	if s.lookupAgent != nil {
		found, deleted := s.lookupAgent(organizationID, agentID)
		if !found || deleted {
			return "", "", flowerr.NewAuthError(flowerr.TokenUnknownAgent, nil)
		}
	}
	return agentID, organizationID, nil
}

func (s *AgentService) verifyAnyKey(tokenString string) (*jwt.Token, error) {
	var lastErr error
	for _, k := range s.keys {
		parsed, err := jwt.ParseWithClaims(tokenString, &agentClaims{}, func(*jwt.Token) (interface{}, error) {
			return k.Secret, nil
		})
		if err == nil && parsed.Valid {
			return parsed, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("token: no signing keys configured")
	}
	return nil, lastErr
}

func isExpiryError(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
