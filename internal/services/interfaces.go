package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/temcen/knnrec/pkg/models"
)

// RecommendationServiceInterface defines the query operations exposed over HTTP
type RecommendationServiceInterface interface {
	ForUser(ctx context.Context, userID, count int) (*models.RecommendationResponse, error)
	ForQuery(ctx context.Context, req *models.QueryRequest) (*models.RecommendationResponse, error)
	Neighbors(ctx context.Context, userID int) (*models.NeighborResponse, error)
}

// SnapshotServiceInterface defines the rebuild operations exposed to admins
type SnapshotServiceInterface interface {
	StartRebuild(ctx context.Context) models.RebuildJob
	Job(id uuid.UUID) (models.RebuildJob, bool)
	Info() (*models.SnapshotInfo, error)
}

// AuthServiceInterface defines token and API key checks
type AuthServiceInterface interface {
	GenerateToken(ctx context.Context, subject, role string) (*models.AuthResponse, error)
	ValidateToken(ctx context.Context, tokenString string) (*models.JWTClaims, error)
	ValidateAPIKey(apiKey string) (string, error)
}

// HealthServiceInterface defines dependency health reporting
type HealthServiceInterface interface {
	CheckHealth(ctx context.Context) *HealthStatus
}

var (
	_ RecommendationServiceInterface = (*RecommendationService)(nil)
	_ SnapshotServiceInterface       = (*SnapshotService)(nil)
	_ AuthServiceInterface           = (*AuthService)(nil)
	_ HealthServiceInterface         = (*HealthService)(nil)
	_ SnapshotProvider               = (*SnapshotService)(nil)
	_ RatingSource                   = (*PostgresRatings)(nil)
	_ RatingSink                     = (*PostgresRatings)(nil)
	_ RatingSource                   = (*Neo4jRatingSource)(nil)
	_ RatingSource                   = (*CSVRatingSource)(nil)
)
