package services

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/database"
)

type Services struct {
	Auth           *AuthService
	Health         *HealthService
	Metrics        *Metrics
	Snapshots      *SnapshotService
	Recommendation *RecommendationService
	RateLimit      *RateLimitService
	// Sink is nil when PostgreSQL is not configured.
	Sink RatingSink
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, reg prometheus.Registerer) (*Services, error) {
	metrics := NewMetrics(reg)

	source, err := newRatingSource(cfg, logger, db)
	if err != nil {
		return nil, err
	}
	snapshots := NewSnapshotService(&cfg.Recommender, source, cfg.Kafka.Enabled, metrics, logger)

	// Keep the interface nil, not a typed nil pointer, when Redis is absent.
	var redisClient redis.Cmdable
	var cache Cache
	checks := []HealthCheck{SnapshotCheck(snapshots)}
	if db.Redis != nil {
		redisClient = db.Redis
		cache = NewRedisCache(db.Redis, logger)
		checks = append(checks, HealthCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return db.Redis.Ping(ctx).Err()
			},
		})
	}

	var sink RatingSink
	if db.PG != nil {
		sink = NewPostgresRatings(db.PG, logger)
		checks = append(checks, HealthCheck{
			Name:     "postgresql",
			Critical: cfg.Recommender.Source == "postgres",
			Check:    db.PG.Ping,
		})
	}
	if db.Neo4j != nil {
		checks = append(checks, HealthCheck{
			Name:  "neo4j",
			Check: db.Neo4j.VerifyConnectivity,
		})
	}

	return &Services{
		Auth:           NewAuthService(cfg, logger, redisClient),
		Health:         NewHealthService(checks, db.PG, reg, logger),
		Metrics:        metrics,
		Snapshots:      snapshots,
		Recommendation: NewRecommendationService(cfg.Recommender, snapshots, cache, cfg.Redis.CacheTTL, metrics, logger),
		RateLimit:      NewRateLimitService(cfg.Server.RateLimit, logger, redisClient),
		Sink:           sink,
	}, nil
}

func newRatingSource(cfg *config.Config, logger *logrus.Logger, db *database.Database) (RatingSource, error) {
	switch cfg.Recommender.Source {
	case "postgres":
		if db.PG == nil {
			return nil, fmt.Errorf("rating source postgres requires a database connection")
		}
		return NewPostgresRatings(db.PG, logger), nil
	case "neo4j":
		if db.Neo4j == nil {
			return nil, fmt.Errorf("rating source neo4j requires a Neo4j connection")
		}
		return NewNeo4jRatingSource(db.Neo4j, logger), nil
	case "csv":
		return NewCSVRatingSource(cfg.Recommender.CSVPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown rating source %q", cfg.Recommender.Source)
	}
}
