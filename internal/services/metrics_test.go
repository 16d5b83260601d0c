package services

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRequest("user", "success", 0.01)
	m.ObserveRequest("user", "invalid", 0.001)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	m.ObserveRebuild(1.5, 7, 1200)
	m.ObserveRebuildFailure()
	m.ObserveEvents("stored", 3)
	m.ObserveConsumerLag(12)
	m.ObserveConsumerLag(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("user", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.snapshotVersion))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.matrixRatings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuildFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ingestedEvents.WithLabelValues("stored")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.consumerLag))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("user", "success", 0.01)
		m.ObserveNeighbors(3)
		m.ObserveCache(true)
		m.ObserveRebuild(1, 1, 1)
		m.ObserveRebuildFailure()
		m.ObserveEvents("stored", 1)
		m.ObserveConsumerLag(1)
	})
}
