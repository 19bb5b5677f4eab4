package ai

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkoukk/tiktoken-go"

	"promptsync/internal/domain/ports/adapter"
)

var _ adapter.ModelInvoker = (*OpenAIAdapter)(nil)

type OpenAIAdapter struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIAdapter creates an OpenAI invoker using the official SDK.
// baseURL may be empty for the public endpoint.
func NewOpenAIAdapter(apiKey, baseURL, defaultModel string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
	}, nil
}

func (o *OpenAIAdapter) Name() string { return "openai" }

// CountTokens tokenizes locally; no API round trip. Models tiktoken does
// not know fall back to cl100k_base, so the count is approximate there.
func (o *OpenAIAdapter) CountTokens(ctx context.Context, model, input string) (int, error) {
	enc, err := tiktoken.EncodingForModel(modelOrDefault(model, o.defaultModel))
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	return len(enc.Encode(input, nil, nil)), nil
}

func (o *OpenAIAdapter) Generate(ctx context.Context, input string, cfg adapter.ModelConfig) (string, adapter.Usage, error) {
	if input == "" {
		return "", adapter.Usage{}, errors.New("openai: empty input")
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(modelOrDefault(cfg.Model, o.defaultModel)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(input),
		},
	}
	if cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", adapter.Usage{}, errors.New("openai: empty response")
	}
	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	return resp.Choices[0].Message.Content, u, nil
}
