package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.ObserveStep(generation.StepCluster, 2*time.Second, nil)
	m.ObserveStep(generation.StepCluster, time.Second, errors.New("boom"))
	m.ObserveJob(generation.StatusCompleted)
	m.ObserveJob(generation.StatusCompleted)
	m.RecordSourceFailure("onet")
	m.ObserveHTTP("POST", "/api/jobs", 202)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepFailures.WithLabelValues("CLUSTER")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceFailures.WithLabelValues("onet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/jobs", "202")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stepDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	depth := 3
	m.RegisterQueueDepth("pool", func() float64 { return float64(depth) })
	m.ObserveJob(generation.StatusFailed)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `skillgraph_queue_depth{backend="pool"} 3`)
	assert.Contains(t, string(body), `skillgraph_jobs_total{status="FAILED"} 1`)
}
