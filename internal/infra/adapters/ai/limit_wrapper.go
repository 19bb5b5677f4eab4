package ai

import (
	"context"
	"fmt"

	"promptsync/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ModelInvoker = (*limitedInvoker)(nil)

type limitedInvoker struct {
	inner          adapter.ModelInvoker
	sem            chan struct{}
	maxInputTokens int
}

// NewLimitedInvoker bounds concurrent provider calls and rejects inputs
// whose token count exceeds maxInputTokens. Zero disables either limit.
func NewLimitedInvoker(inner adapter.ModelInvoker, maxConcurrent, maxInputTokens int) adapter.ModelInvoker {
	if maxConcurrent <= 0 && maxInputTokens <= 0 {
		return inner
	}
	l := &limitedInvoker{inner: inner, maxInputTokens: maxInputTokens}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	return l
}

func (l *limitedInvoker) Name() string { return l.inner.Name() }

func (l *limitedInvoker) acquire() func() {
	if l.sem == nil {
		return func() {}
	}
	l.sem <- struct{}{}
	return func() { <-l.sem }
}

func (l *limitedInvoker) CountTokens(ctx context.Context, model, input string) (int, error) {
	release := l.acquire()
	defer release()
	return l.inner.CountTokens(ctx, model, input)
}

func (l *limitedInvoker) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	release := l.acquire()
	defer release()

	if l.maxInputTokens > 0 {
		n, err := l.inner.CountTokens(ctx, cfg.Model, input)
		if err == nil && n > l.maxInputTokens {
			return "", adapter.Usage{}, fmt.Errorf("ai: input is %d tokens, budget is %d", n, l.maxInputTokens)
		}
	}
	return l.inner.Generate(ctx, input, cfg)
}
