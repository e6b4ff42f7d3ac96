package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTProviderRoundTrip(t *testing.T) {
	p, err := NewJWTProvider(JWTConfig{Secret: "s3cret", Issuer: "linkd", Audience: "clients"})
	require.NoError(t, err)

	token, err := p.Issue(Identity{Subject: "u-1", Roles: []string{"admin"}})
	require.NoError(t, err)

	id, err := p.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.Subject)
	assert.Equal(t, []string{"admin"}, id.Roles)
}

func TestJWTProviderRejects(t *testing.T) {
	p, err := NewJWTProvider(JWTConfig{Secret: "s3cret"})
	require.NoError(t, err)
	other, err := NewJWTProvider(JWTConfig{Secret: "other"})
	require.NoError(t, err)

	foreign, err := other.Issue(Identity{Subject: "u-1"})
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	expiredToken, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	noSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}})
	noSubjectToken, err := noSubject.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":    "not-a-jwt",
		"wrong key":  foreign,
		"expired":    expiredToken,
		"no subject": noSubjectToken,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}

	_, err = p.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestNewJWTProviderRequiresSecret(t *testing.T) {
	_, err := NewJWTProvider(JWTConfig{})
	assert.Error(t, err)
}

func TestHasAnyRole(t *testing.T) {
	id := &Identity{Subject: "u", Roles: []string{"mod", "user"}}
	assert.True(t, id.HasAnyRole())
	assert.True(t, id.HasAnyRole("admin", "mod"))
	assert.False(t, id.HasAnyRole("admin"))

	var anon *Identity
	assert.True(t, anon.HasAnyRole())
	assert.False(t, anon.HasAnyRole("user"))
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{"tok": {Subject: "u-2"}}
	id, err := p.Authenticate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-2", id.Subject)

	_, err = p.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", CredentialFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", CredentialFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", CredentialFromRequest(r))
}
