package telemetry

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/casemerge/internal/catalog"
)

// Metrics records merge activity. It satisfies merge.Observer.
type Metrics struct {
	sessions   *prometheus.CounterVec
	commits    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reassigned *prometheus.CounterVec
}

// NewMetrics registers the merge collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "merge",
				Name:      "sessions_created_total",
				Help:      "Total number of merge sessions opened",
			},
			[]string{"entity"},
		),
		commits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "merge",
				Name:      "commits_total",
				Help:      "Total number of merge commits by outcome",
			},
			[]string{"entity", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "merge",
				Name:      "commit_duration_seconds",
				Help:      "Duration of merge commits in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"entity"},
		),
		reassigned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "merge",
				Name:      "references_reassigned_total",
				Help:      "Total number of dependent rows moved or dropped by merges",
			},
			[]string{"entity", "relation"},
		),
	}
}

func (m *Metrics) SessionCreated(kind catalog.Kind) {
	m.sessions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) CommitFinished(kind catalog.Kind, outcome string, elapsed time.Duration) {
	m.commits.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) ReferencesReassigned(kind catalog.Kind, relation string, n int64) {
	m.reassigned.WithLabelValues(string(kind), relation).Add(float64(n))
}

// Handler exposes the gatherer in Prometheus text format.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
