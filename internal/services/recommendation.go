package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/neighbors"
	"github.com/temcen/knnrec/pkg/models"
)

// SnapshotProvider hands out the snapshot to query.
type SnapshotProvider interface {
	Current() (*Snapshot, error)
}

// RecommendationService answers query-phase requests against the current
// snapshot. It never blocks on a rebuild.
type RecommendationService struct {
	snapshots SnapshotProvider
	cache     Cache
	cacheTTL  time.Duration
	cfg       config.RecommenderConfig
	metrics   *Metrics
	logger    *logrus.Logger
}

func NewRecommendationService(cfg config.RecommenderConfig, snapshots SnapshotProvider, cache Cache, cacheTTL time.Duration, metrics *Metrics, logger *logrus.Logger) *RecommendationService {
	return &RecommendationService{
		snapshots: snapshots,
		cache:     cache,
		cacheTTL:  cacheTTL,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// clampCount applies the default and maximum result sizes.
func (s *RecommendationService) clampCount(count int) int {
	if count <= 0 {
		return s.cfg.DefaultCount
	}
	if count > s.cfg.MaxCount {
		return s.cfg.MaxCount
	}
	return count
}

func (s *RecommendationService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

func cacheKey(version uint64, userID, count int) string {
	return fmt.Sprintf("recs:v%d:user:%d:n%d", version, userID, count)
}

// ForUser recommends items for a user already present in the matrix.
// Responses are cached per snapshot version, so a rebuild invalidates them.
func (s *RecommendationService) ForUser(ctx context.Context, userID, count int) (resp *models.RecommendationResponse, err error) {
	start := time.Now()
	defer func() { s.observe("user", start, err) }()

	if userID < 0 {
		return nil, neighbors.ErrUnknownUser
	}
	snap, err := s.snapshots.Current()
	if err != nil {
		return nil, err
	}
	count = s.clampCount(count)
	key := cacheKey(snap.Version, userID, count)

	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	resp, err = s.recommend(ctx, snap, neighbors.RowQuery(userID), count)
	if err != nil {
		return nil, err
	}
	resp.UserID = &userID
	s.toCache(ctx, key, resp)
	return resp, nil
}

// ForQuery recommends items for an ad hoc rating history. A repeated item
// keeps its last rating.
func (s *RecommendationService) ForQuery(ctx context.Context, req *models.QueryRequest) (resp *models.RecommendationResponse, err error) {
	start := time.Now()
	defer func() { s.observe("query", start, err) }()

	snap, err := s.snapshots.Current()
	if err != nil {
		return nil, err
	}
	history := make(map[int]float64, len(req.Ratings))
	for _, r := range req.Ratings {
		history[r.ItemID] = r.Rating
	}
	return s.recommend(ctx, snap, neighbors.ColdQuery(history), s.clampCount(req.Count))
}

func (s *RecommendationService) recommend(ctx context.Context, snap *Snapshot, q neighbors.Query, count int) (*models.RecommendationResponse, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := snap.Engine.Recommend(ctx, q, count)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveNeighbors(len(result.Neighbors))

	recs := make([]models.Recommendation, len(result.Recommendations))
	for k, p := range result.Recommendations {
		recs[k] = models.Recommendation{
			ItemID:   p.ItemID,
			Score:    p.Score,
			Support:  p.Support,
			Position: k + 1,
		}
	}
	return &models.RecommendationResponse{
		Recommendations: recs,
		Neighbors:       len(result.Neighbors),
		SnapshotVersion: snap.Version,
		GeneratedAt:     time.Now(),
	}, nil
}

// Neighbors returns the neighbor set of an existing user.
func (s *RecommendationService) Neighbors(ctx context.Context, userID int) (resp *models.NeighborResponse, err error) {
	start := time.Now()
	defer func() { s.observe("neighbors", start, err) }()

	if userID < 0 {
		return nil, neighbors.ErrUnknownUser
	}
	snap, err := s.snapshots.Current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	scores, err := snap.Engine.Neighbors(ctx, neighbors.RowQuery(userID))
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveNeighbors(len(scores))

	resp = &models.NeighborResponse{
		UserID:          userID,
		Neighbors:       make([]models.Neighbor, len(scores)),
		SnapshotVersion: snap.Version,
	}
	for k, sc := range scores {
		resp.Neighbors[k] = models.Neighbor{UserID: sc.UserID, Similarity: sc.Value}
	}
	return resp, nil
}

func (s *RecommendationService) fromCache(ctx context.Context, key string) *models.RecommendationResponse {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to read recommendation cache")
		}
		s.metrics.ObserveCache(false)
		return nil
	}
	var resp models.RecommendationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Discarding corrupt cache entry")
		s.metrics.ObserveCache(false)
		return nil
	}
	s.metrics.ObserveCache(true)
	resp.CacheHit = true
	return &resp
}

func (s *RecommendationService) toCache(ctx context.Context, key string, resp *models.RecommendationResponse) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cacheTTL); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("Failed to write recommendation cache")
	}
}

func (s *RecommendationService) observe(kind string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, neighbors.ErrUnknownUser), errors.Is(err, neighbors.ErrInvalidItem):
		outcome = "invalid"
	case errors.Is(err, ErrSnapshotNotReady):
		outcome = "not_ready"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	s.metrics.ObserveRequest(kind, outcome, time.Since(start).Seconds())
}
