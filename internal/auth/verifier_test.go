package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func validClaims(sub string) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(secret, true, nil)

	expired := validClaims("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name      string
		token     string
		resumeKey string
		want      string
		wantErr   error
	}{
		{"valid token", sign(t, secret, jwt.SigningMethodHS256, validClaims("alice")), "", "alice", nil},
		{"wrong key", sign(t, "other", jwt.SigningMethodHS256, validClaims("alice")), "", "", ErrInvalidToken},
		{"expired", sign(t, secret, jwt.SigningMethodHS256, expired), "", "", ErrInvalidToken},
		{"empty subject", sign(t, secret, jwt.SigningMethodHS256, validClaims("")), "", "", ErrInvalidSubject},
		{"anon subject", sign(t, secret, jwt.SigningMethodHS256, validClaims("anon:x")), "", "", ErrInvalidSubject},
		{"garbage", "not-a-jwt", "", "", ErrInvalidToken},
		{"anonymous with resume key", "", " r-1 ", "anon:r-1", nil},
		{"anonymous without resume key", "", "", "anon:conn-1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Identify(ctx, tt.token, tt.resumeKey, "conn-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdentify_AnonymousDisabled(t *testing.T) {
	v := NewVerifier(secret, false, nil)
	_, err := v.Identify(context.Background(), "", "r-1", "conn-1")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestIdentify_NoSecretRejectsTokens(t *testing.T) {
	v := NewVerifier("", true, nil)
	tok := sign(t, secret, jwt.SigningMethodHS256, validClaims("alice"))
	_, err := v.Identify(context.Background(), tok, "", "conn-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIsAnonymous(t *testing.T) {
	assert.True(t, IsAnonymous("anon:abc"))
	assert.False(t, IsAnonymous("alice"))
}
