package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks session core activity: event log throughput, controller
// stepping, state transitions, loop detections, and LLM usage.
type Metrics struct {
	EventsAppended   *prometheus.CounterVec
	StepsTotal       prometheus.Counter
	StepDuration     prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	LoopDetections   *prometheus.CounterVec
	LLMRequests      *prometheus.CounterVec
	LLMLatency       *prometheus.HistogramVec
	LLMTokens        *prometheus.CounterVec
	RuntimeDispatch  *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_events_appended_total",
			Help: "Events appended to the log by source.",
		}, []string{"source"}),

		StepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_controller_steps_total",
			Help: "Controller step iterations executed.",
		}),

		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiond_controller_step_duration_seconds",
			Help:    "Duration of a single controller step.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_state_transitions_total",
			Help: "Session state transitions by from and to state.",
		}, []string{"from", "to"}),

		LoopDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_loop_detections_total",
			Help: "Loops detected by the stuck detector, by loop type.",
		}, []string{"loop_type"}),

		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_llm_requests_total",
			Help: "LLM completion requests by provider and outcome.",
		}, []string{"provider", "outcome"}),

		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessiond_llm_request_duration_seconds",
			Help:    "LLM completion request latency by provider.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_llm_tokens_total",
			Help: "LLM tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),

		RuntimeDispatch: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessiond_runtime_dispatch_duration_seconds",
			Help:    "Runtime action dispatch latency by action kind.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
	}
}

// ObserveLLMRequest records one completion request.
func (m *Metrics) ObserveLLMRequest(provider, outcome string, d time.Duration, inputTokens, outputTokens int) {
	m.LLMRequests.WithLabelValues(provider, outcome).Inc()
	m.LLMLatency.WithLabelValues(provider).Observe(d.Seconds())
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}
