package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/services"
	"github.com/temcen/knnrec/pkg/models"
)

type RecommendationHandler struct {
	recommender services.RecommendationServiceInterface
	logger      *logrus.Logger
}

func NewRecommendationHandler(
	recommender services.RecommendationServiceInterface,
	logger *logrus.Logger,
) *RecommendationHandler {
	return &RecommendationHandler{
		recommender: recommender,
		logger:      logger,
	}
}

func (h *RecommendationHandler) parseUserID(c *gin.Context) (int, bool) {
	userID, err := strconv.Atoi(c.Param("userId"))
	if err != nil || userID < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_USER_ID", "User ID must be a non-negative integer")
		return 0, false
	}
	return userID, true
}

// Get recommends items for a user of the current rating matrix.
func (h *RecommendationHandler) Get(c *gin.Context) {
	userID, ok := h.parseUserID(c)
	if !ok {
		return
	}

	// Zero lets the service apply its default; larger values are clamped there.
	count := 0
	if countStr := c.Query("count"); countStr != "" {
		parsed, err := strconv.Atoi(countStr)
		if err != nil || parsed < 1 {
			respondError(c, http.StatusBadRequest, "INVALID_COUNT", "Count must be a positive integer")
			return
		}
		count = parsed
	}

	resp, err := h.recommender.ForUser(c.Request.Context(), userID, count)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Query recommends items for a rating history that is not in the matrix.
func (h *RecommendationHandler) Query(c *gin.Context) {
	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format")
		return
	}

	resp, err := h.recommender.ForQuery(c.Request.Context(), &req)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Neighbors lists the nearest users of a user with their similarities.
func (h *RecommendationHandler) Neighbors(c *gin.Context) {
	userID, ok := h.parseUserID(c)
	if !ok {
		return
	}

	resp, err := h.recommender.Neighbors(c.Request.Context(), userID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
