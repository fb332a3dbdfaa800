// Package auth verifies the credentials a connection presents in its
// authenticate frame and turns them into an identity. Verification happens on
// the transport worker before anything reaches the engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// AnonymousPrefix marks identities minted for clients without a token.
const AnonymousPrefix = "anon:"

// RevokedPrefix is the Redis key prefix for revoked token ids (jti).
const RevokedPrefix = "jwt:revoked:"

var (
	ErrMissingToken   = errors.New("auth: token required")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrRevokedToken   = errors.New("auth: token has been revoked")
	ErrInvalidSubject = errors.New("auth: token subject is not a usable identity")
)

// Claims are the JWT claims accepted by the engine. The subject is the
// identity.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed JWTs and optionally a Redis revocation list.
type Verifier struct {
	secret         []byte
	allowAnonymous bool
	revocations    *redis.Client
}

// NewVerifier creates a Verifier. An empty secret disables token auth, in
// which case only anonymous admission is possible. revocations may be nil.
func NewVerifier(secret string, allowAnonymous bool, revocations *redis.Client) *Verifier {
	return &Verifier{
		secret:         []byte(secret),
		allowAnonymous: allowAnonymous,
		revocations:    revocations,
	}
}

// Identify returns the identity a connection should be admitted under. An
// empty token asks for an anonymous identity derived from resumeKey, or from
// connID when no resume key is given, so a reconnecting anonymous client
// keeps its identity by presenting the same resume key.
func (v *Verifier) Identify(ctx context.Context, token, resumeKey, connID string) (string, error) {
	if token == "" {
		if !v.allowAnonymous {
			return "", ErrMissingToken
		}
		key := strings.TrimSpace(resumeKey)
		if key == "" {
			key = connID
		}
		return AnonymousPrefix + key, nil
	}
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: token auth is not configured", ErrInvalidToken)
	}

	claims, err := v.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" || strings.HasPrefix(sub, AnonymousPrefix) {
		return "", ErrInvalidSubject
	}
	return sub, nil
}

// Verify parses and validates token, checking the signature, expiry and the
// revocation list.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock everyone out.
		log.Printf("[auth] revocation check for %s: %v", claims.Subject, err)
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

func (v *Verifier) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.revocations == nil || jti == "" {
		return false, nil
	}
	n, err := v.revocations.Exists(ctx, RevokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis exists: %w", err)
	}
	return n == 1, nil
}

// IsAnonymous reports whether identity was minted for a tokenless client.
func IsAnonymous(identity string) bool {
	return strings.HasPrefix(identity, AnonymousPrefix)
}
