package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stage names shared by the dispatcher, metrics and the latency window.
const (
	StageResolveSession   = "resolve_session"
	StageObtainCredential = "obtain_credential"
	StageAssembleContext  = "assemble_context"
	StageFirstFragment    = "first_fragment"
	StageInvokeModel      = "invoke_model"
	StagePersist          = "persist"
	StageTurnTotal        = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTurns        prometheus.Gauge
	Turns              *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec
	CredentialRefresh  *prometheus.CounterVec
	CredentialRefreshD prometheus.Histogram
	ProviderErrors     *prometheus.CounterVec
	Summaries          *prometheus.CounterVec
	MemoryFacts        *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently being dispatched.",
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Dispatched turns by outcome.",
		}, []string{"outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Latency of each turn stage in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
		CredentialRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Credential refresh attempts by outcome.",
		}, []string{"outcome"}),
		CredentialRefreshD: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credential_refresh_latency_ms",
			Help:      "Latency of credential exchanges in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Model provider errors by provider and code.",
		}, []string{"provider", "code"}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Session summarization attempts by outcome.",
		}, []string{"outcome"}),
		MemoryFacts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_facts_total",
			Help:      "Candidate memory facts by outcome.",
		}, []string{"outcome"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		stages: newTurnStageWindow(512),
	}
}

// ObserveStage records a stage duration in both the histogram and the
// rolling latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.stages.ObserveIndicator("outcome_" + outcome)
}

// ObserveCredentialRefresh matches credential.Options.OnRefresh.
func (m *Metrics) ObserveCredentialRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialRefresh.WithLabelValues(outcome).Inc()
	m.CredentialRefreshD.Observe(float64(d) / float64(time.Millisecond))
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil || m.stages == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// TurnStarted bumps the active turn gauge and returns the matching decrement.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveTurns.Inc()
	return m.ActiveTurns.Dec
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveSummary(outcome string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveMemoryFacts(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MemoryFacts.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}
