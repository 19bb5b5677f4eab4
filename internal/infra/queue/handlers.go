package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// SyncExecutor is the slice of the orchestrator the sync handler needs.
type SyncExecutor interface {
	Execute(ctx context.Context, operationID string) error
	StartSync(ctx context.Context, connectionID string, opts model.SyncOptions) (*model.SyncOperation, error)
}

// NewSyncHandler runs the sync operation named in the job payload. Recurring
// auto-sync occurrences carry a connection id instead; those start a fresh
// operation, which enqueues its own execution job.
func NewSyncHandler(exec SyncExecutor) Handler {
	return func(ctx context.Context, job *model.Job) error {
		if opID, ok := job.Payload["operation_id"].(string); ok && opID != "" {
			return exec.Execute(ctx, opID)
		}
		connID, ok := job.Payload["connection_id"].(string)
		if !ok || connID == "" {
			return &domain.ValidationError{Field: "payload", Msg: "needs operation_id or connection_id"}
		}
		opts := model.SyncOptions{}
		if d, ok := job.Payload["direction"].(string); ok {
			opts.Direction = model.SyncDirection(d)
		}
		if p, ok := job.Payload["conflict_policy"].(string); ok {
			opts.ConflictResolution = model.ConflictPolicy(p)
		}
		if bs, ok := job.Payload["batch_size"].(float64); ok { // JSON numbers decode as float64
			opts.BatchSize = int(bs)
		}
		_, err := exec.StartSync(ctx, connID, opts)
		return err
	}
}

// NewCleanupHandler prunes terminal jobs and operations older than the
// retention window.
func NewCleanupHandler(jobs repository.JobRepository, ops repository.SyncOperationRepository, retention time.Duration, log *zerolog.Logger) Handler {
	return func(ctx context.Context, job *model.Job) error {
		cutoff := time.Now().Add(-retention)
		prunedJobs, err := jobs.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return domain.Transient("prune jobs", err)
		}
		prunedOps, err := ops.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return domain.Transient("prune operations", err)
		}
		log.Info().Int("jobs", prunedJobs).Int("operations", prunedOps).
			Time("cutoff", cutoff).Msg("cleanup finished")
		return nil
	}
}

// NewWebhookHandler re-delivers a webhook payload carried by the job.
// Delivery failures are transient so the queue's retry/backoff applies.
func NewWebhookHandler(client *http.Client, log *zerolog.Logger) Handler {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context, job *model.Job) error {
		url, ok := job.Payload["url"].(string)
		if !ok || url == "" {
			return &domain.ValidationError{Field: "url", Msg: "missing from job payload"}
		}
		body, err := json.Marshal(job.Payload["body"])
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return domain.Transient("deliver webhook", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return domain.Transient("deliver webhook", errors.New(resp.Status))
		}
		if resp.StatusCode >= 400 {
			// The receiver rejected the payload; retrying cannot help.
			return fmt.Errorf("webhook rejected: %s", resp.Status)
		}
		log.Debug().Str("url", url).Msg("webhook delivered")
		return nil
	}
}

// NewPromptTestHandler runs a local prompt against the configured model
// and logs the sample plus token usage. The prompt is read fresh so the
// test always covers the current content.
func NewPromptTestHandler(invoker adapter.ModelInvoker, local adapter.LocalStore, log *zerolog.Logger) Handler {
	return func(ctx context.Context, job *model.Job) error {
		name, ok := job.Payload["prompt_name"].(string)
		if !ok || name == "" {
			return &domain.ValidationError{Field: "prompt_name", Msg: "missing from job payload"}
		}
		p, err := local.FindByName(ctx, name)
		if err != nil {
			return err
		}

		cfg := adapter.ModelConfig{}
		if m, ok := job.Payload["model"].(string); ok {
			cfg.Model = m
		}
		if mt, ok := job.Payload["max_tokens"].(float64); ok { // JSON numbers decode as float64
			cfg.MaxTokens = int(mt)
		}

		tokens, err := invoker.CountTokens(ctx, cfg.Model, p.Content)
		if err != nil {
			return domain.Transient("count tokens", err)
		}

		output, usage, err := invoker.Generate(ctx, p.Content, cfg)
		if err != nil {
			return domain.Transient("generate", err)
		}
		sample := output
		if len(sample) > 200 {
			sample = sample[:200]
		}
		log.Info().Str("prompt", p.Name).Str("provider", invoker.Name()).
			Int("input_tokens", tokens).Int("total_tokens", usage.TotalTokens).
			Str("sample", sample).Msg("prompt test finished")
		return nil
	}
}
