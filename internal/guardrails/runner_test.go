package guardrails

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/axonhq/axon/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

type fakeGuardrail struct {
	name  string
	gtype Type
	check func(ctx context.Context, gc *Context) (*Result, error)
}

func (f *fakeGuardrail) Name() string        { return f.name }
func (f *fakeGuardrail) Description() string { return "test guardrail" }
func (f *fakeGuardrail) Type() Type          { return f.gtype }
func (f *fakeGuardrail) Check(ctx context.Context, gc *Context) (*Result, error) {
	return f.check(ctx, gc)
}

func passing(name string, gtype Type) *fakeGuardrail {
	g := &fakeGuardrail{name: name, gtype: gtype}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		return Pass(g, "ok"), nil
	}
	return g
}

func TestRunner_FiltersByType(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	checks := []Guardrail{
		passing("input_check", TypeInput),
		passing("output_check", TypeOutput),
		passing("tool_check", TypeToolCall),
	}

	results, err := runner.Run(context.Background(), checks, InputContext("a", "r", "hi"), TypeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Name != "input_check" {
		t.Errorf("expected input_check to run, got %s", results[0].Name)
	}
}

func TestRunner_EmptyTypeRunsAll(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	checks := []Guardrail{
		passing("one", TypeInput),
		passing("two", TypeOutput),
	}

	results, err := runner.Run(context.Background(), checks, InputContext("a", "r", "hi"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
}

func TestRunner_NoMatchingGuardrails(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	checks := []Guardrail{passing("one", TypeInput)}

	results, err := runner.Run(context.Background(), checks, ToolCallContext("a", "r", "bash", nil), TypeToolCall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}

func TestRunner_ParallelExecution(t *testing.T) {
	runner := NewRunner(testLogger(), nil)

	const n = 3
	started := make(chan struct{}, n)
	release := make(chan struct{})

	var checks []Guardrail
	for i := 0; i < n; i++ {
		g := &fakeGuardrail{name: "slow", gtype: TypeInput}
		g.check = func(ctx context.Context, gc *Context) (*Result, error) {
			started <- struct{}{}
			<-release
			return Pass(g, "ok"), nil
		}
		checks = append(checks, g)
	}

	done := make(chan struct{})
	go func() {
		runner.Run(context.Background(), checks, InputContext("a", "r", "hi"), TypeInput)
		close(done)
	}()

	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d checks started concurrently", i, n)
		}
	}
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not return after checks finished")
	}
}

func TestRunner_ResultsInOrder(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	checks := []Guardrail{
		passing("first", TypeInput),
		passing("second", TypeInput),
		passing("third", TypeInput),
	}

	results, err := runner.Run(context.Background(), checks, InputContext("a", "r", "hi"), TypeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if results[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, results[i].Name)
		}
	}
}

func TestRunner_FailOpenOnError(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	g := &fakeGuardrail{name: "broken", gtype: TypeInput}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		return nil, errors.New("upstream service down")
	}

	results, err := runner.Run(context.Background(), []Guardrail{g}, InputContext("a", "r", "hi"), TypeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Passed {
		t.Error("expected erroring guardrail to fail open")
	}
	if results[0].Metadata["error"] != "upstream service down" {
		t.Errorf("expected error detail in metadata, got %v", results[0].Metadata)
	}
}

func TestRunner_FailOpenOnPanic(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	g := &fakeGuardrail{name: "panicky", gtype: TypeInput}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		panic("nil map write")
	}

	results, err := runner.Run(context.Background(), []Guardrail{g}, InputContext("a", "r", "hi"), TypeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Passed {
		t.Error("expected panicking guardrail to fail open")
	}
}

func TestRunner_FailOpenOnNilResult(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	g := &fakeGuardrail{name: "lazy", gtype: TypeInput}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		return nil, nil
	}

	results, err := runner.Run(context.Background(), []Guardrail{g}, InputContext("a", "r", "hi"), TypeInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Passed {
		t.Error("expected nil result to fail open")
	}
}

func TestRunner_TripwireAborts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)
	runner := NewRunner(testLogger(), metrics)

	g := &fakeGuardrail{name: "blocker", gtype: TypeInput}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		return Fail(g, "blocked keyword detected", true), nil
	}
	checks := []Guardrail{passing("fine", TypeInput), g}

	results, err := runner.Run(context.Background(), checks, InputContext("a", "r", "bad"), TypeInput)
	if err == nil {
		t.Fatal("expected tripwire error")
	}

	var trip *TripwireError
	if !errors.As(err, &trip) {
		t.Fatalf("expected *TripwireError, got %T", err)
	}
	if trip.GuardrailName != "blocker" {
		t.Errorf("expected blocker to trip, got %s", trip.GuardrailName)
	}
	if len(results) != 2 {
		t.Errorf("expected all results returned alongside the error, got %d", len(results))
	}

	if got := testutil.ToFloat64(metrics.GuardrailTrips.WithLabelValues("blocker", "input")); got != 1 {
		t.Errorf("tripwire counter = %v, want 1", got)
	}
}

func TestRunner_SoftFailureDoesNotAbort(t *testing.T) {
	runner := NewRunner(testLogger(), nil)
	g := &fakeGuardrail{name: "warner", gtype: TypeInput}
	g.check = func(ctx context.Context, gc *Context) (*Result, error) {
		return Fail(g, "looks suspicious", false), nil
	}

	results, err := runner.Run(context.Background(), []Guardrail{g}, InputContext("a", "r", "hm"), TypeInput)
	if err != nil {
		t.Fatalf("expected soft failure to return no error, got %v", err)
	}
	if results[0].Passed {
		t.Error("expected result to record the failure")
	}
	if results[0].Tripwire {
		t.Error("expected no tripwire")
	}
}
