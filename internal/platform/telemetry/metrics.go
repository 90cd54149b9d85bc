package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jinford/skill-graph/internal/core/generation"
	"github.com/jinford/skill-graph/internal/core/skill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skillgraph"

// Metrics は Prometheus のコレクター一式。専用のレジストリに登録する
type Metrics struct {
	registry *prometheus.Registry

	stepDuration   *prometheus.HistogramVec
	stepFailures   *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

var (
	_ generation.Metrics    = (*Metrics)(nil)
	_ skill.FailureRecorder = (*Metrics)(nil)
)

// NewMetrics はコレクターを作成して登録する
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Pipeline steps that failed",
		}, []string{"step"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a status",
		}, []string{"status"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_source_failures_total",
			Help:      "Skill source calls that returned nothing usable",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stepDuration,
		m.stepFailures,
		m.jobs,
		m.sourceFailures,
		m.httpRequests,
	)
	return m
}

// ObserveStep はステップの所要時間と失敗を記録する
func (m *Metrics) ObserveStep(step generation.Step, d time.Duration, err error) {
	m.stepDuration.WithLabelValues(string(step)).Observe(d.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(string(step)).Inc()
	}
}

// ObserveJob はジョブの状態到達を記録する
func (m *Metrics) ObserveJob(status generation.Status) {
	m.jobs.WithLabelValues(string(status)).Inc()
}

// RecordSourceFailure はスキルソースの失敗を記録する
func (m *Metrics) RecordSourceFailure(source string) {
	m.sourceFailures.WithLabelValues(source).Inc()
}

// ObserveHTTP は HTTP リクエストを記録する
func (m *Metrics) ObserveHTTP(method, route string, code int) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// RegisterQueueDepth は実行待ちジョブ数のゲージを登録する。depth は収集のたびに呼ばれる
func (m *Metrics) RegisterQueueDepth(backend string, depth func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Jobs waiting to be executed",
		ConstLabels: prometheus.Labels{"backend": backend},
	}, depth))
}

// Handler は /metrics 用のハンドラーを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry はテストや追加登録のためにレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
