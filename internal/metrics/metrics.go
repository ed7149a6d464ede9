// Package metrics exposes engine counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/optimode/verifyengine/types"
)

const namespace = "verifyengine"

type Metrics struct {
	Registry *prometheus.Registry

	ProbeResults       *prometheus.CounterVec
	ProbeDuration      prometheus.Histogram
	Deferrals          prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
	ChunkTransitions   *prometheus.CounterVec
	RBLChecks          *prometheus.CounterVec
	FeedbackItems      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Address verdicts by classification and reason.",
		}, []string{"classification", "reason"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall time of one address probe.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Deferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_deferrals_total",
			Help:      "Probes deferred because a circuit breaker was open.",
		}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes by breaker kind and target state.",
		}, []string{"kind", "to"}),
		ChunkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_transitions_total",
			Help:      "Chunk status changes by target status.",
		}, []string{"status"}),
		RBLChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbl_checks_total",
			Help:      "Reputation checks by RBL zone and status.",
		}, []string{"rbl", "status"}),
		FeedbackItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_items_total",
			Help:      "Feedback items by ingestion result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		m.ProbeResults, m.ProbeDuration, m.Deferrals, m.BreakerTransitions,
		m.ChunkTransitions, m.RBLChecks, m.FeedbackItems,
	)
	return m
}

func (m *Metrics) ObserveProbe(r types.Result, took time.Duration) {
	if m == nil {
		return
	}
	if r.Deferred {
		m.Deferrals.Inc()
	}
	m.ProbeResults.WithLabelValues(string(r.Classification), r.Reason).Inc()
	m.ProbeDuration.Observe(took.Seconds())
}

// BreakerTransition takes a breaker key such as "domain:example.com".
func (m *Metrics) BreakerTransition(key, to string) {
	if m == nil {
		return
	}
	kind, _, _ := strings.Cut(key, ":")
	m.BreakerTransitions.WithLabelValues(kind, to).Inc()
}

func (m *Metrics) ChunkTransition(status types.ChunkStatus) {
	if m == nil {
		return
	}
	m.ChunkTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RBLCheck(rbl string, status types.ReputationStatus) {
	if m == nil {
		return
	}
	m.RBLChecks.WithLabelValues(rbl, string(status)).Inc()
}

func (m *Metrics) FeedbackIngested(imported, skipped int) {
	if m == nil {
		return
	}
	m.FeedbackItems.WithLabelValues("imported").Add(float64(imported))
	m.FeedbackItems.WithLabelValues("skipped").Add(float64(skipped))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
