package providers

import (
	"context"

	"github.com/axonhq/axon/internal/backoff"
)

const (
	defaultMaxTokens   = 4096
	defaultMaxAttempts = 3
)

// base holds the configuration shared by every adapter: identity,
// model and token defaults, and the retry policy applied when opening
// a stream.
type base struct {
	name        string
	model       string
	maxTokens   int
	maxAttempts int
	policy      backoff.Policy
}

func newBase(name, model string, maxTokens int) base {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return base{
		name:        name,
		model:       model,
		maxTokens:   maxTokens,
		maxAttempts: defaultMaxAttempts,
		policy:      backoff.DefaultPolicy(),
	}
}

func (b base) Name() string { return b.name }

func (b base) Model() string { return b.model }

// resolveModel picks the request override or the configured default.
func (b base) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return b.model
}

// resolveMaxTokens picks the request override or the configured default.
func (b base) resolveMaxTokens(override int) int {
	if override > 0 {
		return override
	}
	return b.maxTokens
}

// openStream runs open with retries on transient failures. Classification
// is shared across providers via IsRetryable.
func openStream[T any](ctx context.Context, b base, open func() (T, error)) (T, error) {
	res, err := backoff.Retry(ctx, b.policy, b.maxAttempts, IsRetryable, func(int) (T, error) {
		return open()
	})
	return res.Value, err
}
