package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/pkg/models"
)

const (
	RoleReader = "reader"
	RoleAdmin  = "admin"

	tokenIssuer = "github.com/temcen/knnrec"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

type AuthService struct {
	config      *config.Config
	logger      *logrus.Logger
	redisClient redis.Cmdable
	jwtSecret   []byte
	// sessions remembers recently confirmed session ids so every admin
	// request does not hit Redis.
	sessions *ttlcache.Cache[string, struct{}]
}

func NewAuthService(cfg *config.Config, logger *logrus.Logger, redisClient redis.Cmdable) *AuthService {
	return &AuthService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		jwtSecret:   []byte(cfg.Auth.JWTSecret),
		sessions: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

// GenerateToken signs an HS256 token for role and registers its session.
func (s *AuthService) GenerateToken(ctx context.Context, subject, role string) (*models.AuthResponse, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.Auth.TokenTTL)
	claims := &models.JWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	if s.redisClient != nil {
		if err := s.redisClient.Set(ctx, sessionKey(claims.ID), subject, s.config.Auth.TokenTTL).Err(); err != nil {
			// Don't fail token generation if Redis is down
			s.logger.WithError(err).Warn("Failed to store session in Redis")
		}
	}

	return &models.AuthResponse{Token: tokenString, ExpiresAt: expiresAt, Role: role}, nil
}

// ValidateToken checks the signature and expiry of a token and that its
// session was not revoked.
func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if s.redisClient == nil || s.sessions.Get(claims.ID) != nil {
		return claims, nil
	}
	exists, err := s.redisClient.Exists(ctx, sessionKey(claims.ID)).Result()
	if err != nil {
		// Continue validation even if Redis is down
		s.logger.WithError(err).Warn("Failed to check session in Redis")
		return claims, nil
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: session not found or expired", ErrInvalidToken)
	}
	s.sessions.Set(claims.ID, struct{}{}, ttlcache.DefaultTTL)
	return claims, nil
}

func (s *AuthService) RevokeToken(ctx context.Context, sessionID string) error {
	s.sessions.Delete(sessionID)
	if s.redisClient == nil {
		return nil
	}
	if err := s.redisClient.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// ValidateAPIKey returns the role granted to a configured API key.
func (s *AuthService) ValidateAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrInvalidAPIKey
	}
	for _, key := range s.config.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return RoleAdmin, nil
		}
	}
	return "", ErrInvalidAPIKey
}
