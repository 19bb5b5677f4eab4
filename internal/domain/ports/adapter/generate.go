package adapter

import "context"

// ModelConfig selects and tunes the model for one generate call.
type ModelConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage for a single generate call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelInvoker is the only path to LLM invocation. Prompt test-runs go
// through it; the sync engine itself never calls a model.
type ModelInvoker interface {
	Name() string

	// CountTokens returns prompt tokens for input (best-effort when the
	// provider has no exact tokenizer).
	CountTokens(ctx context.Context, model, input string) (int, error)

	// Generate returns the model output text plus usage as reported by
	// the provider.
	Generate(ctx context.Context, input string, cfg ModelConfig) (string, Usage, error)
}
