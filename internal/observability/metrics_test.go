package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordRun("assistant", "completed", 1.5)
	m.RecordRun("assistant", "completed", 0.5)
	m.RecordRun("assistant", "guardrail_tripped", 0.1)

	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("assistant", "completed")); got != 2 {
		t.Errorf("completed runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunCounter.WithLabelValues("assistant", "guardrail_tripped")); got != 1 {
		t.Errorf("tripped runs = %v, want 1", got)
	}
}

func TestMetricsRecordLLMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordLLMRequest("anthropic", "claude-sonnet", "success", 0.8, 120, 40)

	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet", "prompt")); got != 120 {
		t.Errorf("prompt tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet", "success")); got != 1 {
		t.Errorf("request count = %v, want 1", got)
	}
}

func TestMetricsHotReads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordHotRead(true)
	m.RecordHotRead(true)
	m.RecordHotRead(false)

	if got := testutil.ToFloat64(m.HotTierHits.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HotTierHits.WithLabelValues("miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestMetricsVMPoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.VMPoolReady.Set(3)
	m.VMBindings.Inc()
	m.VMBindings.Inc()
	m.VMBindings.Dec()

	if got := testutil.ToFloat64(m.VMPoolReady); got != 3 {
		t.Errorf("pool ready = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.VMBindings); got != 1 {
		t.Errorf("bindings = %v, want 1", got)
	}
}
