package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// Built on Prometheus, the set covers:
//   - Agent run outcomes and latency
//   - LLM request performance and token consumption
//   - Tool execution patterns and latencies
//   - Session memory activity (hot tier hits, checkpoints)
//   - Sandbox VM pool health and execution latency
//   - Human-in-the-loop request outcomes
//   - HTTP API latency
type Metrics struct {
	// RunCounter counts agent runs.
	// Labels: agent, status (completed|max_iterations_reached|error|cancelled|guardrail_tripped)
	RunCounter *prometheus.CounterVec

	// RunDuration measures full agent run latency in seconds.
	// Labels: agent
	// Buckets: 0.5s .. 600s
	RunDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SessionOps counts memory operations.
	// Labels: operation (create|resume|checkpoint|close|delete), tier (hot|cold)
	SessionOps *prometheus.CounterVec

	// HotTierHits counts hot reads served without a cold fallback.
	// Labels: outcome (hit|miss)
	HotTierHits *prometheus.CounterVec

	// ActiveSessions is a gauge of currently active sessions per agent.
	ActiveSessions *prometheus.GaugeVec

	// VMPoolReady is a gauge of warm VMs waiting in the pool.
	VMPoolReady prometheus.Gauge

	// VMBindings is a gauge of sessions currently bound to a VM.
	VMBindings prometheus.Gauge

	// VMLifecycle counts VM creations and destructions.
	// Labels: event (created|destroyed|boot_failed)
	VMLifecycle *prometheus.CounterVec

	// SandboxExecuteDuration measures sandbox execution time in seconds.
	// Labels: exec_type (python|bash)
	SandboxExecuteDuration *prometheus.HistogramVec

	// HITLRequests counts human-in-the-loop requests.
	// Labels: kind (tool_approval|human_input), outcome (approved|denied|modified|answered|timeout)
	HITLRequests *prometheus.CounterVec

	// GuardrailTrips counts tripwire activations.
	// Labels: guardrail, stage (input|output|tool_call)
	GuardrailTrips *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|memory|sandbox|provider|server), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set against a specific registerer,
// which keeps tests isolated from the process-global registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_agent_runs_total",
				Help: "Total number of agent runs by agent and terminal status",
			},
			[]string{"agent", "status"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"agent"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool_name"},
		),

		SessionOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_session_operations_total",
				Help: "Total number of session memory operations by operation and tier",
			},
			[]string{"operation", "tier"},
		),

		HotTierHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_hot_tier_reads_total",
				Help: "Hot tier read outcomes",
			},
			[]string{"outcome"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "axon_active_sessions",
				Help: "Current number of active sessions by agent",
			},
			[]string{"agent"},
		),

		VMPoolReady: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "axon_vm_pool_ready",
				Help: "Warm VMs currently available in the pool",
			},
		),

		VMBindings: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "axon_vm_bindings",
				Help: "Sessions currently bound to a VM",
			},
		),

		VMLifecycle: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_vm_lifecycle_total",
				Help: "VM lifecycle events",
			},
			[]string{"event"},
		),

		SandboxExecuteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_sandbox_execute_duration_seconds",
				Help:    "Duration of sandbox code executions in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 120, 300},
			},
			[]string{"exec_type"},
		),

		HITLRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_hitl_requests_total",
				Help: "Human-in-the-loop requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		GuardrailTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_guardrail_trips_total",
				Help: "Guardrail tripwire activations by guardrail and stage",
			},
			[]string{"guardrail", "stage"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axon_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axon_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordRun records the outcome and duration of an agent run.
func (m *Metrics) RecordRun(agent, status string, durationSeconds float64) {
	m.RunCounter.WithLabelValues(agent, status).Inc()
	m.RunDuration.WithLabelValues(agent).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordSessionOp records a session memory operation against a tier.
func (m *Metrics) RecordSessionOp(operation, tier string) {
	m.SessionOps.WithLabelValues(operation, tier).Inc()
}

// RecordHotRead records whether a read was served by the hot tier.
func (m *Metrics) RecordHotRead(hit bool) {
	if hit {
		m.HotTierHits.WithLabelValues("hit").Inc()
	} else {
		m.HotTierHits.WithLabelValues("miss").Inc()
	}
}

// TrackActiveSession adjusts the per-agent active session gauge.
// delta is +1 when a session becomes active and -1 when it leaves.
func (m *Metrics) TrackActiveSession(agent string, delta int) {
	m.ActiveSessions.WithLabelValues(agent).Add(float64(delta))
}

// RecordHITL records a human-in-the-loop request outcome.
func (m *Metrics) RecordHITL(kind, outcome string) {
	m.HITLRequests.WithLabelValues(kind, outcome).Inc()
}

// RecordGuardrailTrip records a tripwire activation.
func (m *Metrics) RecordGuardrailTrip(guardrail, stage string) {
	m.GuardrailTrips.WithLabelValues(guardrail, stage).Inc()
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// TrackVMPool sets the gauge of warm VMs waiting in the pool.
func (m *Metrics) TrackVMPool(ready int) {
	m.VMPoolReady.Set(float64(ready))
}

// TrackVMBindings adjusts the gauge of sessions bound to a VM.
// delta is +1 when a session binds a VM and -1 when the binding is destroyed.
func (m *Metrics) TrackVMBindings(delta int) {
	m.VMBindings.Add(float64(delta))
}

// RecordVMLifecycle records a VM lifecycle event such as created,
// destroyed, or boot_failed.
func (m *Metrics) RecordVMLifecycle(event string) {
	m.VMLifecycle.WithLabelValues(event).Inc()
}

// RecordSandboxExecute records the duration of one sandbox execution.
func (m *Metrics) RecordSandboxExecute(execType string, durationSeconds float64) {
	m.SandboxExecuteDuration.WithLabelValues(execType).Observe(durationSeconds)
}
