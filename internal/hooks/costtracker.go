package hooks

import (
	"context"
	"strings"
	"sync"

	"github.com/axonhq/axon/internal/observability"
)

// ModelPricing is the USD cost per 1k tokens for one model.
type ModelPricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// defaultPricing covers the models the built-in providers ship with.
// Rates are USD per 1k tokens. Unlisted models use the fallback rate.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":            {Prompt: 0.0025, Completion: 0.01},
	"gpt-4o-mini":       {Prompt: 0.00015, Completion: 0.0006},
	"gpt-4.1":           {Prompt: 0.002, Completion: 0.008},
	"gpt-4.1-mini":      {Prompt: 0.0004, Completion: 0.0016},
	"gpt-4.1-nano":      {Prompt: 0.0001, Completion: 0.0004},
	"claude-sonnet-4":   {Prompt: 0.003, Completion: 0.015},
	"claude-3-5-sonnet": {Prompt: 0.003, Completion: 0.015},
	"claude-3-5-haiku":  {Prompt: 0.0008, Completion: 0.004},
	"claude-3-opus":     {Prompt: 0.015, Completion: 0.075},
	"gemini-2.0-flash":  {Prompt: 0.0001, Completion: 0.0004},
	"gemini-1.5-pro":    {Prompt: 0.00125, Completion: 0.005},
}

// defaultFallback applies to models missing from the pricing table.
var defaultFallback = ModelPricing{Prompt: 0.0025, Completion: 0.01}

// ModelCost aggregates usage and estimated cost for one model.
type ModelCost struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Calls            int     `json:"calls"`
	Cost             float64 `json:"cost_usd"`
}

// CostStats is a point-in-time snapshot of tracked costs.
type CostStats struct {
	TotalCost             float64              `json:"total_cost_usd"`
	TotalPromptTokens     int                  `json:"total_prompt_tokens"`
	TotalCompletionTokens int                  `json:"total_completion_tokens"`
	Calls                 int                  `json:"calls"`
	ByModel               map[string]ModelCost `json:"by_model"`
}

// CostTracker is a hook consumer that estimates LLM spend from llm_end
// usage events, aggregated per model. Register OnLLMEnd and OnRunEnd
// on a registry, or call Attach to wire both at once.
type CostTracker struct {
	logger   *observability.Logger
	mu       sync.Mutex
	pricing  map[string]ModelPricing
	fallback ModelPricing
	byModel  map[string]*ModelCost
}

// CostTrackerOption configures a CostTracker.
type CostTrackerOption func(*CostTracker)

// WithModelPricing overrides or adds the rate for one model.
func WithModelPricing(model string, pricing ModelPricing) CostTrackerOption {
	return func(t *CostTracker) {
		t.pricing[model] = pricing
	}
}

// WithFallbackPricing sets the rate applied to unknown models.
func WithFallbackPricing(pricing ModelPricing) CostTrackerOption {
	return func(t *CostTracker) {
		t.fallback = pricing
	}
}

// NewCostTracker creates a tracker with the built-in pricing table.
func NewCostTracker(logger *observability.Logger, opts ...CostTrackerOption) *CostTracker {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	t := &CostTracker{
		logger:   logger,
		pricing:  make(map[string]ModelPricing, len(defaultPricing)),
		fallback: defaultFallback,
		byModel:  make(map[string]*ModelCost),
	}
	for model, pricing := range defaultPricing {
		t.pricing[model] = pricing
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach registers the tracker's handlers on the registry and returns
// the registration IDs.
func (t *CostTracker) Attach(r *Registry) []string {
	return []string{
		r.Register(EventLLMEnd, t.OnLLMEnd, WithName("cost_tracker")),
		r.Register(EventRunEnd, t.OnRunEnd, WithName("cost_tracker")),
	}
}

// OnLLMEnd accumulates cost from the event's usage. It is safe to call
// concurrently.
func (t *CostTracker) OnLLMEnd(ctx context.Context, event *Event) error {
	_ = ctx
	if event == nil || event.Usage == nil {
		return nil
	}

	rate := t.rateFor(event.Model)
	cost := float64(event.Usage.PromptTokens)/1000*rate.Prompt +
		float64(event.Usage.CompletionTokens)/1000*rate.Completion

	t.mu.Lock()
	defer t.mu.Unlock()

	agg := t.byModel[event.Model]
	if agg == nil {
		agg = &ModelCost{}
		t.byModel[event.Model] = agg
	}
	agg.PromptTokens += event.Usage.PromptTokens
	agg.CompletionTokens += event.Usage.CompletionTokens
	agg.Calls++
	agg.Cost += cost
	return nil
}

// OnRunEnd logs the accumulated totals.
func (t *CostTracker) OnRunEnd(ctx context.Context, event *Event) error {
	stats := t.Stats()
	t.logger.Info(ctx, "run cost",
		"run_id", eventRunID(event),
		"total_cost_usd", stats.TotalCost,
		"prompt_tokens", stats.TotalPromptTokens,
		"completion_tokens", stats.TotalCompletionTokens,
		"calls", stats.Calls)
	return nil
}

// Stats returns a snapshot of the tracked totals.
func (t *CostTracker) Stats() CostStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := CostStats{ByModel: make(map[string]ModelCost, len(t.byModel))}
	for model, agg := range t.byModel {
		stats.ByModel[model] = *agg
		stats.TotalCost += agg.Cost
		stats.TotalPromptTokens += agg.PromptTokens
		stats.TotalCompletionTokens += agg.CompletionTokens
		stats.Calls += agg.Calls
	}
	return stats
}

// TotalCost returns the estimated spend across all models.
func (t *CostTracker) TotalCost() float64 {
	return t.Stats().TotalCost
}

// Reset clears all accumulated usage.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byModel = make(map[string]*ModelCost)
}

// rateFor resolves the pricing for a model. It tries an exact match,
// then the longest table entry the model name starts with (dated
// releases like claude-3-5-sonnet-20241022 resolve to their family),
// then the fallback.
func (t *CostTracker) rateFor(model string) ModelPricing {
	if rate, ok := t.pricing[model]; ok {
		return rate
	}
	bestLen := 0
	best := t.fallback
	for name, rate := range t.pricing {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			bestLen = len(name)
			best = rate
		}
	}
	return best
}

func eventRunID(event *Event) string {
	if event == nil {
		return ""
	}
	return event.RunID
}
