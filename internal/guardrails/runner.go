package guardrails

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axonhq/axon/internal/observability"
)

// Runner is the single entry point the agent uses to fire guardrails.
type Runner struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRunner creates a runner. metrics may be nil.
func NewRunner(logger *observability.Logger, metrics *observability.Metrics) *Runner {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Runner{logger: logger, metrics: metrics}
}

// Run executes every guardrail of the requested type in parallel and
// returns their results in registration order. An empty type runs all.
//
// A result with passed=false and tripwire=true aborts the run: Run
// returns the collected results together with a *TripwireError for the
// first tripped guardrail. Soft failures only show up in the results.
func (r *Runner) Run(ctx context.Context, checks []Guardrail, gc *Context, only Type) ([]*Result, error) {
	var toRun []Guardrail
	for _, g := range checks {
		if only == "" || g.Type() == only {
			toRun = append(toRun, g)
		}
	}
	if len(toRun) == 0 {
		return nil, nil
	}

	results := make([]*Result, len(toRun))
	var wg sync.WaitGroup
	for i, g := range toRun {
		wg.Add(1)
		go func(i int, g Guardrail) {
			defer wg.Done()
			results[i] = r.safeCheck(ctx, g, gc)
		}(i, g)
	}
	wg.Wait()

	// First tripwire wins.
	for _, res := range results {
		if res.Tripwire && !res.Passed {
			if r.metrics != nil {
				r.metrics.RecordGuardrailTrip(res.Name, string(res.Type))
			}
			return results, &TripwireError{
				GuardrailName: res.Name,
				Message:       res.Message,
				Result:        res,
			}
		}
	}
	return results, nil
}

// safeCheck runs one guardrail with panic and error containment. The
// full failure is logged server-side; the returned result carries a
// sanitized message.
func (r *Runner) safeCheck(ctx context.Context, g Guardrail, gc *Context) (result *Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(ctx, "guardrail panicked",
				"guardrail", g.Name(),
				"type", string(g.Type()),
				"panic", fmt.Sprint(p))
			result = failOpen(g, fmt.Sprintf("panic: %v", p))
		}
	}()

	res, err := g.Check(ctx, gc)
	if err != nil {
		r.logger.Error(ctx, "guardrail error",
			"guardrail", g.Name(),
			"type", string(g.Type()),
			"error", err)
		return failOpen(g, err.Error())
	}
	if res == nil {
		return failOpen(g, "check returned no result")
	}

	if !res.Passed {
		if res.Tripwire {
			r.logger.Error(ctx, "guardrail tripwire",
				"guardrail", g.Name(), "message", res.Message)
		} else {
			r.logger.Warn(ctx, "guardrail failed",
				"guardrail", g.Name(), "message", res.Message)
		}
	}
	return res
}

func failOpen(g Guardrail, detail string) *Result {
	return &Result{
		Name:      g.Name(),
		Type:      g.Type(),
		Passed:    true,
		Message:   "guardrail encountered an internal error (failing open)",
		Metadata:  map[string]any{"error": detail},
		Timestamp: time.Now(),
	}
}
