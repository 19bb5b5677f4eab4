package model

import (
	"time"

	"promptsync/internal/domain"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer transition.
// A failed job may still be reset to pending by RetryFailed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type JobType string

const (
	JobTypeSync         JobType = "sync"
	JobTypeCleanup      JobType = "cleanup"
	JobTypeWebhookRetry JobType = "webhook-retry"
	JobTypePromptTest   JobType = "prompt-test"
)

// Job is one unit of deferred work. Mutated only by the queue; exactly one
// worker holds it in active at a time (enforced by the store's claim).
type Job struct {
	ID          string
	Type        JobType
	Payload     map[string]any
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	Timeout     time.Duration
	LastError   string
	RecurringID string // non-empty when spawned from a RecurringJobSpec
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobOptions tunes a single enqueue call. Zero values get defaults.
type JobOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

const (
	DefaultMaxAttempts = 3
	DefaultJobTimeout  = 5 * time.Minute
)

// NewJob validates and constructs a pending job scheduled at now+delay.
func NewJob(typ JobType, payload map[string]any, opts JobOptions) (*Job, error) {
	if typ == "" {
		return nil, domain.ErrInvalidArgument
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultJobTimeout
	}
	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		Type:        typ,
		Payload:     payload,
		Priority:    opts.Priority,
		Status:      JobStatusPending,
		MaxAttempts: opts.MaxAttempts,
		ScheduledAt: now.Add(opts.Delay),
		Timeout:     opts.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RecurringJobSpec drives creation of new jobs on a fixed interval.
// Disabling a spec does not cancel already-queued occurrences.
type RecurringJobSpec struct {
	ID        string
	Type      JobType
	Payload   map[string]any
	Interval  time.Duration
	Priority  int
	Enabled   bool
	NextRunAt time.Time
	CreatedAt time.Time
}

func NewRecurringJobSpec(typ JobType, payload map[string]any, interval time.Duration, priority int) (*RecurringJobSpec, error) {
	if typ == "" || interval <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &RecurringJobSpec{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Interval:  interval,
		Priority:  priority,
		Enabled:   true,
		NextRunAt: now.Add(interval),
		CreatedAt: now,
	}, nil
}
