package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/pkg/models"
)

const rateLimitTimeout = 500 * time.Millisecond

// RateLimitService keeps a sliding window per client in a Redis sorted set.
// Without Redis, or when Redis fails, every request is allowed.
type RateLimitService struct {
	limit       int
	window      time.Duration
	logger      *logrus.Logger
	redisClient redis.Cmdable
}

func NewRateLimitService(cfg config.RateLimitConfig, logger *logrus.Logger, redisClient redis.Cmdable) *RateLimitService {
	return &RateLimitService{
		limit:       cfg.Requests,
		window:      cfg.Window,
		logger:      logger,
		redisClient: redisClient,
	}
}

// Enabled reports whether requests are actually counted.
func (s *RateLimitService) Enabled() bool {
	return s != nil && s.redisClient != nil && s.limit > 0 && s.window > 0
}

func (s *RateLimitService) CheckLimit(ctx context.Context, clientID string) *models.RateLimitInfo {
	now := time.Now()
	info := &models.RateLimitInfo{
		Limit:     s.limit,
		Remaining: s.limit,
		ResetTime: now.Add(s.window).Unix(),
	}
	if !s.Enabled() {
		return info
	}

	key := fmt.Sprintf("rate_limit:client:%s", clientID)
	windowStart := now.Add(-s.window)

	ctx, cancel := context.WithTimeout(ctx, rateLimitTimeout)
	defer cancel()

	pipe := s.redisClient.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, s.window)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Warn("Rate limit check failed, allowing request")
		info.Remaining = s.limit - 1
		return info
	}

	// The count excludes the request just added.
	info.Remaining = s.limit - int(countCmd.Val()) - 1
	if info.Remaining < -1 {
		info.Remaining = -1
	}
	return info
}

// IsAllowed counts the request and reports whether it fits the window.
func (s *RateLimitService) IsAllowed(ctx context.Context, clientID string) (bool, *models.RateLimitInfo) {
	info := s.CheckLimit(ctx, clientID)
	allowed := info.Remaining >= 0
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return allowed, info
}
