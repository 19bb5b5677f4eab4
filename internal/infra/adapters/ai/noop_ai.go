package ai

import (
	"context"
	"strings"
	"time"

	"promptsync/internal/domain/ports/adapter"
)

var _ adapter.ModelInvoker = (*NoopInvoker)(nil)

// NoopInvoker implements adapter.ModelInvoker for local/dev testing.
// It echoes a canned reply instead of sending real provider requests.
type NoopInvoker struct{}

func NewNoopInvoker() *NoopInvoker {
	return &NoopInvoker{}
}

func (a *NoopInvoker) Name() string { return "noop" }

// CountTokens approximates one token per whitespace-separated word.
func (a *NoopInvoker) CountTokens(ctx context.Context, model, input string) (int, error) {
	return len(strings.Fields(input)), nil
}

func (a *NoopInvoker) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return "", adapter.Usage{}, ctx.Err()
	}
	n := len(strings.Fields(input))
	u := adapter.Usage{PromptTokens: n, CompletionTokens: 4, TotalTokens: n + 4}
	return "This is a noop model response.", u, nil
}
