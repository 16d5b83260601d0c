package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/database"
	"github.com/temcen/knnrec/internal/handlers"
	"github.com/temcen/knnrec/internal/services"
	"github.com/temcen/knnrec/internal/validation"
	"github.com/temcen/knnrec/pkg/models"
)

const testAPIKey = "integration-key"

// Three users over four items; user 0 has not rated item 3.
const testRatings = "userId,movieId,rating\n" +
	"0,0,5\n0,1,2\n0,2,4\n" +
	"1,0,5\n1,1,3\n1,2,4\n1,3,2\n" +
	"2,0,4\n2,1,2\n2,3,5\n"

func newTestApp(t *testing.T) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "ratings.csv")
	require.NoError(t, os.WriteFile(path, []byte(testRatings), 0o600))

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		Auth: config.AuthConfig{
			JWTSecret: "integration-secret",
			TokenTTL:  time.Hour,
			APIKeys:   []string{testAPIKey},
		},
		Recommender: config.RecommenderConfig{
			K:                10,
			MaxUsers:         10,
			MaxItems:         10,
			Centering:        true,
			RatingScale:      1,
			DuplicatePolicy:  "overwrite",
			OutOfRangePolicy: "fail",
			Workers:          2,
			DefaultCount:     10,
			MaxCount:         50,
			QueryTimeout:     time.Second,
			Source:           "csv",
			CSVPath:          path,
		},
		Monitoring: config.MonitoringConfig{Enabled: true, MetricsPath: "/metrics"},
		Security: config.SecurityConfig{CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"*"},
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	validator, err := validation.NewSchemaValidator()
	require.NoError(t, err)

	registry := newRegistry()
	svcs, err := services.New(cfg, logger, &database.Database{}, registry)
	require.NoError(t, err)

	app := &App{
		config:    cfg,
		logger:    logger,
		db:        &database.Database{},
		registry:  registry,
		validator: validator,
		services:  svcs,
		handlers:  handlers.New(logger, svcs),
	}
	app.setupRouter()
	return app
}

func (a *App) serve(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

var apiKey = map[string]string{"X-API-Key": testAPIKey}

func TestApp_NotReadyBeforeFirstBuild(t *testing.T) {
	app := newTestApp(t)

	w := app.serve(t, http.MethodGet, "/api/v1/recommendations/0", "", apiKey)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = app.serve(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = app.serve(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApp_EndToEnd(t *testing.T) {
	app := newTestApp(t)
	_, err := app.services.Snapshots.Rebuild(context.Background())
	require.NoError(t, err)

	t.Run("health", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("authentication required", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/recommendations/0", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("recommendations exclude rated items", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/recommendations/0", "", apiKey)
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.RecommendationResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Recommendations, 1)
		assert.Equal(t, 3, resp.Recommendations[0].ItemID)
		assert.Equal(t, 2, resp.Recommendations[0].Support)
		assert.Equal(t, 2, resp.Neighbors)
		assert.Equal(t, uint64(1), resp.SnapshotVersion)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/recommendations/1000", "", apiKey)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid user id", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/recommendations/abc", "", apiKey)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("cold query", func(t *testing.T) {
		w := app.serve(t, http.MethodPost, "/api/v1/recommendations/query",
			`{"ratings":[{"item_id":0,"rating":5},{"item_id":1,"rating":2}],"count":5}`, apiKey)
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.RecommendationResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Nil(t, resp.UserID)
		assert.NotEmpty(t, resp.Recommendations)
		for _, rec := range resp.Recommendations {
			assert.NotContains(t, []int{0, 1}, rec.ItemID)
		}
	})

	t.Run("cold query rejected by schema", func(t *testing.T) {
		w := app.serve(t, http.MethodPost, "/api/v1/recommendations/query", `{"ratings":"none"}`, apiKey)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("neighbors", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/neighbors/0", "", apiKey)
		require.Equal(t, http.StatusOK, w.Code)

		var resp models.NeighborResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Neighbors, 2)
	})

	t.Run("snapshot info", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/api/v1/admin/snapshot", "", apiKey)
		require.Equal(t, http.StatusOK, w.Code)

		var info models.SnapshotInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
		assert.Equal(t, 10, info.Ratings)
		assert.True(t, info.Centered)
	})

	t.Run("issued reader token", func(t *testing.T) {
		w := app.serve(t, http.MethodPost, "/api/v1/admin/tokens", `{"subject":"dashboard"}`, apiKey)
		require.Equal(t, http.StatusCreated, w.Code)

		var auth models.AuthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &auth))
		bearer := map[string]string{"Authorization": "Bearer " + auth.Token}

		w = app.serve(t, http.MethodGet, "/api/v1/recommendations/1", "", bearer)
		assert.Equal(t, http.StatusOK, w.Code)

		w = app.serve(t, http.MethodPost, "/api/v1/admin/rebuild", "", bearer)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("rebuild job", func(t *testing.T) {
		w := app.serve(t, http.MethodPost, "/api/v1/admin/rebuild", "", apiKey)
		require.Equal(t, http.StatusAccepted, w.Code)

		var job models.RebuildJob
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

		require.Eventually(t, func() bool {
			w := app.serve(t, http.MethodGet, "/api/v1/admin/rebuild/"+job.JobID.String(), "", apiKey)
			if w.Code != http.StatusOK {
				return false
			}
			var current models.RebuildJob
			if err := json.Unmarshal(w.Body.Bytes(), &current); err != nil {
				return false
			}
			return current.Status == services.RebuildStatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("metrics", func(t *testing.T) {
		w := app.serve(t, http.MethodGet, "/metrics", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "go_goroutines")
	})
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(&config.Config{Logging: config.LoggingConfig{Level: "debug", Format: "json"}})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = setupLogger(&config.Config{Logging: config.LoggingConfig{Level: "nonsense"}})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestApp_StartAndShutdown(t *testing.T) {
	app := newTestApp(t)
	app.Start(context.Background())

	snap, err := app.services.Snapshots.Current()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.Shutdown(ctx))
}
