//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"promptsync/internal/domain"
)

// --- Prompt ---

func TestNewPrompt(t *testing.T) {
	t.Run("should create a new prompt successfully", func(t *testing.T) {
		p, err := NewPrompt("greeting", "say hello", []string{"demo"})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if p.ID == "" {
			t.Error("expected prompt ID to be non-empty")
		}
		if p.RemoteID != "" || p.LastSyncAt != nil {
			t.Error("a fresh prompt must carry no sync stamp")
		}
		if p.IsArchived() {
			t.Error("a fresh prompt must not be archived")
		}
	})

	t.Run("should reject an empty name", func(t *testing.T) {
		if _, err := NewPrompt("", "content", nil); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestPromptStamp(t *testing.T) {
	p, _ := NewPrompt("greeting", "say hello", nil)
	at := time.Now()
	p.Stamp("remote-1", at)
	if p.RemoteID != "remote-1" {
		t.Errorf("expected remote id remote-1, got %q", p.RemoteID)
	}
	if p.LastSyncAt == nil || !p.LastSyncAt.Equal(at) {
		t.Errorf("expected last sync at %v, got %v", at, p.LastSyncAt)
	}
}

// --- Job ---

func TestNewJob(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		job, err := NewJob(JobTypeSync, map[string]any{"operation_id": "op-1"}, JobOptions{})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if job.Status != JobStatusPending {
			t.Errorf("expected pending, got %s", job.Status)
		}
		if job.MaxAttempts != DefaultMaxAttempts {
			t.Errorf("expected %d max attempts, got %d", DefaultMaxAttempts, job.MaxAttempts)
		}
		if job.Timeout != DefaultJobTimeout {
			t.Errorf("expected default timeout, got %v", job.Timeout)
		}
	})

	t.Run("delay pushes scheduled_at into the future", func(t *testing.T) {
		job, err := NewJob(JobTypeCleanup, nil, JobOptions{Delay: time.Hour})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if job.ScheduledAt.Before(time.Now().Add(59 * time.Minute)) {
			t.Error("expected scheduled_at roughly one hour out")
		}
	})

	t.Run("rejects an empty type", func(t *testing.T) {
		if _, err := NewJob("", nil, JobOptions{}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if JobStatusPending.IsTerminal() || JobStatusActive.IsTerminal() {
		t.Error("pending and active are not terminal")
	}
}

// --- Sync options ---

func TestSyncOptionsNormalize(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		var o SyncOptions
		if err := o.Normalize(); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if o.Direction != DirectionPull {
			t.Errorf("expected default direction pull, got %s", o.Direction)
		}
		if o.BatchSize != DefaultBatchSize {
			t.Errorf("expected default batch size, got %d", o.BatchSize)
		}
	})

	t.Run("rejects unknown direction", func(t *testing.T) {
		o := SyncOptions{Direction: "sideways"}
		var ve *domain.ValidationError
		if err := o.Normalize(); !errors.As(err, &ve) {
			t.Fatalf("expected a validation error, got %v", err)
		}
	})
}

func TestNewSyncOperation(t *testing.T) {
	op, err := NewSyncOperation("conn-1", SyncOptions{Direction: DirectionBidirectional})
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	if op.Status != OperationPending {
		t.Errorf("expected pending, got %s", op.Status)
	}
	if op.ID == "" {
		t.Error("expected a ULID operation id")
	}

	if _, err := NewSyncOperation("", SyncOptions{}); err == nil {
		t.Fatal("expected a validation error for missing connection id")
	}
}

// --- Connections ---

func TestNewSyncConnection(t *testing.T) {
	t.Run("rest requires url", func(t *testing.T) {
		_, err := NewSyncConnection("prod", ConnectionKindREST, Credentials{}, SyncDefaults{})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected a validation error, got %v", err)
		}
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		_, err := NewSyncConnection("mirror", ConnectionKindPostgres, Credentials{}, SyncDefaults{})
		if err == nil {
			t.Fatal("expected a validation error")
		}
	})

	t.Run("valid connection starts active", func(t *testing.T) {
		conn, err := NewSyncConnection("prod", ConnectionKindREST, Credentials{URL: "https://x"}, SyncDefaults{})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if !conn.Active {
			t.Error("expected new connection to be active")
		}
		if conn.Defaults.BatchSize != DefaultBatchSize {
			t.Errorf("expected default batch size, got %d", conn.Defaults.BatchSize)
		}
	})
}
