package ai_test

import (
	"context"
	"testing"

	"promptsync/internal/domain/ports/adapter"
	ai "promptsync/internal/infra/adapters/ai"
)

type stubInvoker struct {
	name    string
	ctN     int
	genN    int
	lastGen string
}

func (s *stubInvoker) Name() string { return s.name }
func (s *stubInvoker) CountTokens(ctx context.Context, model, input string) (int, error) {
	s.ctN++
	return 1, nil
}
func (s *stubInvoker) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	s.genN++
	s.lastGen = cfg.Model
	return "ok", adapter.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestRouting_ExplicitMap_Heuristics_And_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	open := &stubInvoker{name: "openai"}
	gem := &stubInvoker{name: "gemini"}

	m := ai.NewMultiInvoker(
		"openai",
		map[string]adapter.ModelInvoker{"openai": open, "gemini": gem},
		map[string]string{"custom-x": "gemini"},
	)

	// explicit map wins
	_, _ = m.CountTokens(ctx, "custom-x", "hello")
	if gem.ctN != 1 || open.ctN != 0 {
		t.Fatalf("explicit map should route to gemini, got open:%d gem:%d", open.ctN, gem.ctN)
	}
	open.ctN, gem.ctN = 0, 0

	// gpt-* -> openai
	_, _, _ = m.Generate(ctx, "hi", adapter.ModelConfig{Model: "gpt-4o-mini"})
	if open.genN != 1 || gem.genN != 0 {
		t.Fatalf("heuristic gpt-* should go openai")
	}
	open.genN, gem.genN = 0, 0

	// gemini-* -> gemini
	_, _, _ = m.Generate(ctx, "hi", adapter.ModelConfig{Model: "gemini-1.5-flash"})
	if gem.genN != 1 || open.genN != 0 {
		t.Fatalf("heuristic gemini-* should go gemini")
	}

	// unknown -> default provider (openai)
	open.ctN, gem.ctN = 0, 0
	_, _ = m.CountTokens(ctx, "unknown", "hello")
	if open.ctN != 1 || gem.ctN != 0 {
		t.Fatalf("unknown model should go to default provider (openai)")
	}
}

func TestLimitedInvoker_InputBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &budgetStub{tokens: 10}
	l := ai.NewLimitedInvoker(inner, 2, 5)

	if _, _, err := l.Generate(ctx, "too long", adapter.ModelConfig{Model: "gpt-4o-mini"}); err == nil {
		t.Fatalf("expected budget rejection")
	}
	if inner.genN != 0 {
		t.Fatalf("rejected input must not reach the provider, got %d calls", inner.genN)
	}

	inner.tokens = 3
	if _, _, err := l.Generate(ctx, "short", adapter.ModelConfig{Model: "gpt-4o-mini"}); err != nil {
		t.Fatalf("within budget should pass: %v", err)
	}
	if inner.genN != 1 {
		t.Fatalf("expected one provider call, got %d", inner.genN)
	}
}

type budgetStub struct {
	tokens int
	genN   int
}

func (s *budgetStub) Name() string { return "stub" }
func (s *budgetStub) CountTokens(ctx context.Context, model, input string) (int, error) {
	return s.tokens, nil
}
func (s *budgetStub) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	s.genN++
	return "ok", adapter.Usage{}, nil
}
