package ai

import (
	"context"
	"errors"
	"strings"

	"promptsync/internal/domain/ports/adapter"
)

var _ adapter.ModelInvoker = (*MultiInvoker)(nil)

type MultiInvoker struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.ModelInvoker
	modelToProvider map[string]string // model -> provider ("openai" | "gemini")
}

// NewMultiInvoker does not inject any default model; it only knows a default
// provider. Each provider invoker carries its own default model.
func NewMultiInvoker(
	defaultProvider string,
	byProvider map[string]adapter.ModelInvoker,
	modelToProvider map[string]string,
) *MultiInvoker {
	return &MultiInvoker{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiInvoker) Name() string { return "multi" }

func (m *MultiInvoker) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiInvoker) pick(model string) adapter.ModelInvoker {
	prov := m.resolveProvider(model)
	if a := m.byProvider[prov]; a != nil {
		return a
	}
	// last resort: first available
	for _, a := range m.byProvider {
		if a != nil {
			return a
		}
	}
	return nil
}

func (m *MultiInvoker) CountTokens(ctx context.Context, model, input string) (int, error) {
	a := m.pick(model)
	if a == nil {
		return 0, errors.New("ai: no provider configured")
	}
	return a.CountTokens(ctx, model, input)
}

func (m *MultiInvoker) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	a := m.pick(cfg.Model)
	if a == nil {
		return "", adapter.Usage{}, errors.New("ai: no provider configured")
	}
	return a.Generate(ctx, input, cfg)
}
