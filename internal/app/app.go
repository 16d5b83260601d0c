package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/database"
	"github.com/temcen/knnrec/internal/handlers"
	"github.com/temcen/knnrec/internal/messaging"
	"github.com/temcen/knnrec/internal/middleware"
	"github.com/temcen/knnrec/internal/services"
	"github.com/temcen/knnrec/internal/validation"
)

type App struct {
	config     *config.Config
	logger     *logrus.Logger
	db         *database.Database
	registry   *prometheus.Registry
	validator  *validation.SchemaValidator
	services   *services.Services
	handlers   *handlers.Handlers
	consumer   *messaging.RatingConsumer
	router     *gin.Engine
	cancel     context.CancelFunc
	background sync.WaitGroup
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config:   cfg,
		logger:   setupLogger(cfg),
		registry: newRegistry(),
	}

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	app.validator = validator

	// Initialize services
	services, err := services.New(cfg, app.logger, db, app.registry)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = services

	if cfg.Kafka.Enabled {
		if services.Sink == nil {
			_ = db.Close()
			return nil, errors.New("kafka ingestion requires a PostgreSQL rating store")
		}
		app.consumer = messaging.NewRatingConsumer(&cfg.Kafka, validator, services.Sink, services.Snapshots, services.Metrics, app.logger)
	}

	// Initialize handlers
	app.handlers = handlers.New(app.logger, services)

	// Setup router
	app.setupRouter()

	return app, nil
}

// newRegistry returns a registry carrying the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Start builds the first snapshot and launches the background loops. A failed
// first build is logged; the service answers 503 until a rebuild succeeds.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	if snap, err := a.services.Snapshots.Rebuild(ctx); err != nil {
		a.logger.WithError(err).Warn("Initial rating matrix build failed, serving 503 until a rebuild succeeds")
	} else {
		a.logger.WithFields(logrus.Fields{
			"version": snap.Version,
			"users":   snap.Engine.Matrix().Rows(),
			"ratings": snap.Engine.Matrix().NNZ(),
		}).Info("Rating matrix ready")
	}

	a.goBackground(func() { a.services.Snapshots.Run(ctx) })
	a.goBackground(func() { a.services.Health.CollectDatabaseMetrics(ctx) })
	if a.consumer != nil {
		a.goBackground(func() {
			if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Error("Rating consumer stopped")
			}
		})
	}
}

func (a *App) goBackground(fn func()) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		fn()
	}()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Background workers did not stop before the shutdown deadline")
	}

	var errs []error
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rating consumer: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(&a.config.Security.CORS))

	// Health check endpoints (no auth required)
	router.GET("/health", a.handlers.Health.Check)
	router.GET("/health/live", a.handlers.Health.Live)

	// Prometheus metrics endpoint (no auth required)
	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})))
	}

	validate := middleware.NewValidationMiddleware(a.validator)

	// API routes
	api := router.Group("/api/v1")
	{
		// Authentication middleware for API routes
		api.Use(middleware.Auth(a.services.Auth, a.logger))
		api.Use(middleware.RateLimit(a.services.RateLimit, a.logger))

		// Recommendation routes
		recommendations := api.Group("/recommendations")
		{
			recommendations.POST("/query", validate.ValidateRatingQuery(), a.handlers.Recommendation.Query)
			recommendations.GET("/:userId", validate.ValidateQueryParams(), a.handlers.Recommendation.Get)
		}

		api.GET("/neighbors/:userId", validate.ValidateQueryParams(), a.handlers.Recommendation.Neighbors)

		// Admin routes
		admin := api.Group("/admin")
		admin.Use(middleware.RequireRole(services.RoleAdmin))
		{
			admin.POST("/rebuild", a.handlers.Admin.StartRebuild)
			admin.GET("/rebuild/:jobId", a.handlers.Admin.GetRebuildJob)
			admin.GET("/snapshot", a.handlers.Admin.GetSnapshot)
			admin.POST("/tokens", a.handlers.Admin.IssueToken)
		}
	}

	a.router = router
}
