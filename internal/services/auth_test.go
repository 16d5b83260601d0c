package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/pkg/models"
)

func newTestAuthService(ttl time.Duration) *AuthService {
	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret: "test-secret",
			TokenTTL:  ttl,
			APIKeys:   []string{"ops-key", "ci-key"},
		},
	}
	return NewAuthService(cfg, newTestLogger(), nil)
}

func TestAuthService_TokenRoundTrip(t *testing.T) {
	svc := newTestAuthService(time.Hour)

	auth, err := svc.GenerateToken(context.Background(), "ops", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, auth.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), auth.ExpiresAt, 5*time.Second)

	claims, err := svc.ValidateToken(context.Background(), auth.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ops", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestAuthService_ValidateTokenRejects(t *testing.T) {
	svc := newTestAuthService(time.Hour)
	other := newTestAuthService(time.Hour)
	other.jwtSecret = []byte("another-secret")

	foreign, err := other.GenerateToken(context.Background(), "ops", RoleAdmin)
	require.NoError(t, err)

	expired, err := newTestAuthService(-time.Minute).GenerateToken(context.Background(), "ops", RoleAdmin)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &models.JWTClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.JWTClaims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	}).SignedString(svc.jwtSecret)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign.Token},
		{"expired", expired.Token},
		{"alg none", noneToken},
		{"wrong issuer", wrongIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthService_ValidateAPIKey(t *testing.T) {
	svc := newTestAuthService(time.Hour)

	role, err := svc.ValidateAPIKey("ci-key")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = svc.ValidateAPIKey("ci-ke")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = svc.ValidateAPIKey("")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAuthService_RevokeWithoutRedis(t *testing.T) {
	svc := newTestAuthService(time.Hour)
	assert.NoError(t, svc.RevokeToken(context.Background(), "session-id"))
}
