package repository

import (
	"context"
	"time"

	"promptsync/internal/domain/model"
)

// JobRepository is the durable job table. Status transitions happen only
// through the queue; the claim is a single conditional update so that no
// two pickers ever hold the same job.
type JobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)

	// ClaimNext atomically picks the eligible pending job with the highest
	// priority (earliest scheduledAt among ties, scheduledAt <= now) and
	// flips it pending -> active. Returns domain.ErrNotFound when nothing
	// is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*model.Job, error)

	// CancelByID flips a pending or active job to cancelled. Active jobs
	// are cooperative-cancel only; the handler observes the flag through
	// IsCancelled. Returns domain.ErrJobNotCancellable otherwise.
	CancelByID(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)

	// ResetFailed flips all failed jobs back to pending with attempts=0.
	ResetFailed(ctx context.Context) (int, error)

	// DeleteTerminalBefore prunes completed/failed/cancelled jobs whose
	// last update is older than cutoff, returning the number removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RecurringJobRepository stores the specs that spawn recurring jobs.
type RecurringJobRepository interface {
	Save(ctx context.Context, tx Tx, spec *model.RecurringJobSpec) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.RecurringJobSpec, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}
