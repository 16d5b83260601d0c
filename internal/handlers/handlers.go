package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/neighbors"
	"github.com/temcen/knnrec/internal/services"
)

type Handlers struct {
	Health         *HealthHandler
	Recommendation *RecommendationHandler
	Admin          *AdminHandler
}

func New(logger *logrus.Logger, services *services.Services) *Handlers {
	return &Handlers{
		Health:         NewHealthHandler(logger, services.Health),
		Recommendation: NewRecommendationHandler(services.Recommendation, logger),
		Admin:          NewAdminHandler(logger, services.Snapshots, services.Auth),
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondServiceError maps service and engine errors onto HTTP responses.
func respondServiceError(c *gin.Context, logger *logrus.Logger, err error) {
	switch {
	case errors.Is(err, neighbors.ErrUnknownUser):
		respondError(c, http.StatusNotFound, "USER_NOT_FOUND", "User is not part of the rating matrix")
	case errors.Is(err, neighbors.ErrInvalidItem):
		respondError(c, http.StatusBadRequest, "INVALID_ITEM_ID", "Query references an item outside the rating matrix")
	case errors.Is(err, services.ErrSnapshotNotReady):
		c.Header("Retry-After", "30")
		respondError(c, http.StatusServiceUnavailable, "SNAPSHOT_NOT_READY", "Rating matrix is not built yet")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "Recommendation query timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this response.
		c.Status(499)
	default:
		logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	}
}
