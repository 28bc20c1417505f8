package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the runtime. A nil *Metrics is
// valid and records nothing, so components can be built without metrics in
// tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordInvocation("api", "pending")
type Metrics struct {
	// Invocations counts Invoke calls by role and outcome.
	// Labels: role (api|sql|classifier), outcome (message|pending|route|unavailable|failed)
	Invocations *prometheus.CounterVec

	// Attempts counts model attempts inside Invoke by role and validation outcome.
	// Labels: role, outcome (valid|invalid|empty|quota|error)
	Attempts *prometheus.CounterVec

	// ModelCallDuration measures model latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// ModelTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// KeyCooldowns counts keys put on cooldown after quota failures.
	// Labels: provider
	KeyCooldowns *prometheus.CounterVec

	// EmbeddingCalls counts embedding backend calls.
	// Labels: store, kind (documents|query), status
	EmbeddingCalls *prometheus.CounterVec

	// PendingActions counts pending action lifecycle transitions.
	// Labels: kind (api|sql), state (armed|confirmed|expired|cancelled)
	PendingActions *prometheus.CounterVec

	// ActionExecutions counts executor calls.
	// Labels: kind, status (success|error)
	ActionExecutions *prometheus.CounterVec

	// QueueDepth is the number of queued work items per conversation queue set.
	QueueDepth prometheus.Gauge

	// MessagesReceived counts inbound transport events.
	// Labels: channel, kind (message|reaction), accepted (true|false)
	MessagesReceived *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_invocations_total",
				Help: "Agent invocations by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_invocation_attempts_total",
				Help: "Model attempts inside agent invocations by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loanagent_model_call_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ModelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_model_tokens_total",
				Help: "Tokens used by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),
		KeyCooldowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_model_key_cooldowns_total",
				Help: "Model keys placed on cooldown after quota failures",
			},
			[]string{"provider"},
		),
		EmbeddingCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_embedding_calls_total",
				Help: "Embedding backend calls by store, kind and status",
			},
			[]string{"store", "kind", "status"},
		),
		PendingActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_pending_actions_total",
				Help: "Pending action transitions by kind and state",
			},
			[]string{"kind", "state"},
		),
		ActionExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_action_executions_total",
				Help: "Confirmed action executions by kind and status",
			},
			[]string{"kind", "status"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loanagent_queue_depth",
				Help: "Work items waiting across all conversation queues",
			},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loanagent_transport_events_total",
				Help: "Inbound transport events by channel, kind and whether they were accepted",
			},
			[]string{"channel", "kind", "accepted"},
		),
	}
}

// RecordInvocation records one finished Invoke call.
func (m *Metrics) RecordInvocation(role, outcome string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(role, outcome).Inc()
}

// RecordAttempt records one model attempt.
func (m *Metrics) RecordAttempt(role, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(role, outcome).Inc()
}

// RecordModelCall records latency and token usage for one model call.
func (m *Metrics) RecordModelCall(provider, model string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.ModelCallDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordCooldown records a key cooldown.
func (m *Metrics) RecordCooldown(provider string) {
	if m == nil {
		return
	}
	m.KeyCooldowns.WithLabelValues(provider).Inc()
}

// RecordEmbedding records an embedding backend call.
func (m *Metrics) RecordEmbedding(store, kind string, err error) {
	if m == nil {
		return
	}
	m.EmbeddingCalls.WithLabelValues(store, kind, statusLabel(err)).Inc()
}

// RecordPending records a pending action transition.
func (m *Metrics) RecordPending(kind, state string) {
	if m == nil {
		return
	}
	m.PendingActions.WithLabelValues(kind, state).Inc()
}

// RecordExecution records one executor call.
func (m *Metrics) RecordExecution(kind string, err error) {
	if m == nil {
		return
	}
	m.ActionExecutions.WithLabelValues(kind, statusLabel(err)).Inc()
}

// QueueChanged adjusts the queue depth gauge by delta.
func (m *Metrics) QueueChanged(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// RecordTransportEvent records an inbound transport event.
func (m *Metrics) RecordTransportEvent(channel, kind string, accepted bool) {
	if m == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	m.MessagesReceived.WithLabelValues(channel, kind, label).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
