package services

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency. Critical failures make the service
// unhealthy; the others only degrade it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthService struct {
	checks []HealthCheck
	pool   *pgxpool.Pool
	logger *logrus.Logger

	healthCheckStatus   *prometheus.GaugeVec
	lastHealthCheck     *prometheus.GaugeVec
	dbConnectionMetrics *prometheus.GaugeVec
}

type HealthStatus struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Services    map[string]string      `json:"services"`
	Critical    []string               `json:"critical_failures,omitempty"`
	NonCritical []string               `json:"non_critical_failures,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// NewHealthService registers its gauges with reg. pool may be nil when the
// service runs without PostgreSQL.
func NewHealthService(checks []HealthCheck, pool *pgxpool.Pool, reg prometheus.Registerer, logger *logrus.Logger) *HealthService {
	factory := promauto.With(reg)
	return &HealthService{
		checks: checks,
		pool:   pool,
		logger: logger,
		healthCheckStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "health_check_status",
			Help: "Health check status (1 = healthy, 0 = unhealthy)",
		}, []string{"service"}),
		lastHealthCheck: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "health_check_timestamp",
			Help: "Timestamp of last health check",
		}, []string{"service"}),
		dbConnectionMetrics: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "database_connection_pool_usage",
			Help: "Database connection pool usage",
		}, []string{"database", "state"}),
	}
}

// SnapshotCheck reports whether a rating matrix is being served.
func SnapshotCheck(snapshots SnapshotProvider) HealthCheck {
	return HealthCheck{
		Name:     "snapshot",
		Critical: true,
		Check: func(context.Context) error {
			_, err := snapshots.Current()
			return err
		},
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	allCriticalHealthy := true
	for _, hc := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := hc.Check(checkCtx)
		cancel()

		if err == nil {
			status.Services[hc.Name] = "healthy"
			s.UpdateHealthMetrics(hc.Name, true)
			continue
		}
		status.Services[hc.Name] = "unhealthy"
		s.UpdateHealthMetrics(hc.Name, false)
		if hc.Critical {
			allCriticalHealthy = false
			status.Critical = append(status.Critical, hc.Name)
			s.logger.WithError(err).Errorf("Critical service %s is unhealthy", hc.Name)
		} else {
			status.NonCritical = append(status.NonCritical, hc.Name)
			s.logger.WithError(err).Warnf("Non-critical service %s is unhealthy", hc.Name)
		}
	}

	switch {
	case !allCriticalHealthy:
		status.Status = "unhealthy"
	case len(status.NonCritical) > 0:
		status.Status = "degraded"
	default:
		status.Status = "healthy"
	}
	return status
}

// CollectDatabaseMetrics samples pool statistics until ctx is done.
func (s *HealthService) CollectDatabaseMetrics(ctx context.Context) {
	if s.pool == nil {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pool.Stat()
			s.dbConnectionMetrics.WithLabelValues("postgresql", "acquired_conns").Set(float64(stats.AcquiredConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "idle_conns").Set(float64(stats.IdleConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "max_conns").Set(float64(stats.MaxConns()))
			s.dbConnectionMetrics.WithLabelValues("postgresql", "total_conns").Set(float64(stats.TotalConns()))
			if stats.MaxConns() > 0 {
				usage := float64(stats.AcquiredConns()) / float64(stats.MaxConns()) * 100
				s.dbConnectionMetrics.WithLabelValues("postgresql", "usage_percent").Set(usage)
			}
		}
	}
}

// UpdateHealthMetrics updates health check metrics
func (s *HealthService) UpdateHealthMetrics(serviceName string, healthy bool) {
	if healthy {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(1)
	} else {
		s.healthCheckStatus.WithLabelValues(serviceName).Set(0)
	}
	s.lastHealthCheck.WithLabelValues(serviceName).Set(float64(time.Now().Unix()))
}
