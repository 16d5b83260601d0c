package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the recommender.
type Metrics struct {
	requests        *prometheus.CounterVec
	queryLatency    *prometheus.HistogramVec
	neighborsFound  prometheus.Histogram
	cacheRequests   *prometheus.CounterVec
	rebuildDuration prometheus.Histogram
	rebuildFailures prometheus.Counter
	snapshotVersion prometheus.Gauge
	matrixRatings   prometheus.Gauge
	ingestedEvents  *prometheus.CounterVec
	consumerLag     prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recommendation_requests_total",
			Help: "Total number of recommendation requests",
		}, []string{"kind", "outcome"}),

		queryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recommendation_latency_seconds",
			Help:    "Recommendation query latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"kind"}),

		neighborsFound: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recommendation_neighbors_found",
			Help:    "Number of neighbors selected per query",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recommendation_cache_requests_total",
			Help: "Recommendation cache lookups by result",
		}, []string{"result"}),

		rebuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapshot_rebuild_duration_seconds",
			Help:    "Time spent loading and freezing a rating matrix",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		rebuildFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_rebuild_failures_total",
			Help: "Number of failed matrix rebuilds",
		}),

		snapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_version",
			Help: "Version of the rating matrix currently served",
		}),

		matrixRatings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snapshot_ratings",
			Help: "Number of stored ratings in the served matrix",
		}),

		ingestedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rating_events_total",
			Help: "Rating events consumed from the stream by outcome",
		}, []string{"outcome"}),

		consumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rating_events_consumer_lag",
			Help: "Messages between the last committed rating event and the partition head",
		}),
	}
}

func (m *Metrics) ObserveRequest(kind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, outcome).Inc()
	m.queryLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) ObserveNeighbors(n int) {
	if m == nil {
		return
	}
	m.neighborsFound.Observe(float64(n))
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheRequests.WithLabelValues("hit").Inc()
	} else {
		m.cacheRequests.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) ObserveRebuild(seconds float64, version uint64, nnz int) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(seconds)
	m.snapshotVersion.Set(float64(version))
	m.matrixRatings.Set(float64(nnz))
}

func (m *Metrics) ObserveRebuildFailure() {
	if m == nil {
		return
	}
	m.rebuildFailures.Inc()
}

// ObserveEvents counts consumed rating events.
func (m *Metrics) ObserveEvents(outcome string, n int) {
	if m == nil {
		return
	}
	m.ingestedEvents.WithLabelValues(outcome).Add(float64(n))
}

// ObserveConsumerLag records the reader lag reported after each commit.
func (m *Metrics) ObserveConsumerLag(lag int64) {
	if m == nil {
		return
	}
	m.consumerLag.Set(float64(lag))
}
