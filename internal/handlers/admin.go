package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/services"
)

// AdminHandler handles snapshot management and token issuance
type AdminHandler struct {
	logger    *logrus.Logger
	snapshots services.SnapshotServiceInterface
	auth      services.AuthServiceInterface
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(logger *logrus.Logger, snapshots services.SnapshotServiceInterface, auth services.AuthServiceInterface) *AdminHandler {
	return &AdminHandler{
		logger:    logger,
		snapshots: snapshots,
		auth:      auth,
	}
}

// TokenRequest asks for a signed token for subject.
type TokenRequest struct {
	Subject string `json:"subject" binding:"required,max=128"`
	Role    string `json:"role" binding:"omitempty,oneof=reader admin"`
}

// StartRebuild schedules a matrix rebuild and returns the job to poll.
func (h *AdminHandler) StartRebuild(c *gin.Context) {
	job := h.snapshots.StartRebuild(c.Request.Context())
	h.logger.WithField("job_id", job.JobID).Info("Rating matrix rebuild requested")

	c.Header("Location", "/api/v1/admin/rebuild/"+job.JobID.String())
	c.JSON(http.StatusAccepted, job)
}

// GetRebuildJob reports the state of a rebuild job
func (h *AdminHandler) GetRebuildJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format")
		return
	}

	job, ok := h.snapshots.Job(jobID)
	if !ok {
		respondError(c, http.StatusNotFound, "JOB_NOT_FOUND", "Rebuild job not found")
		return
	}

	c.JSON(http.StatusOK, job)
}

// GetSnapshot describes the matrix currently served
func (h *AdminHandler) GetSnapshot(c *gin.Context) {
	info, err := h.snapshots.Info()
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// IssueToken signs a token so clients need not hold an API key.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body format")
		return
	}
	if req.Role == "" {
		req.Role = services.RoleReader
	}

	auth, err := h.auth.GenerateToken(c.Request.Context(), req.Subject, req.Role)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"subject": req.Subject,
		"role":    req.Role,
	}).Info("Issued access token")
	c.JSON(http.StatusCreated, auth)
}
