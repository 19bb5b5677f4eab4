package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	job.UpdatedAt = time.Now()
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO jobs (id, type, payload, priority, status, attempts, max_attempts,
                  scheduled_at, timeout_ms, last_error, recurring_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  attempts = EXCLUDED.attempts,
  scheduled_at = EXCLUDED.scheduled_at,
  last_error = EXCLUDED.last_error,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.Type, payload, job.Priority, job.Status, job.Attempts, job.MaxAttempts,
		job.ScheduledAt, job.Timeout.Milliseconds(), job.LastError, nullable(job.RecurringID),
		job.CreatedAt, job.UpdatedAt)
	return err
}

const jobColumns = `id, type, payload, priority, status, attempts, max_attempts,
scheduled_at, timeout_ms, last_error, COALESCE(recurring_id, ''), created_at, updated_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job       model.Job
		payload   []byte
		timeoutMS int64
	)
	err := row.Scan(&job.ID, &job.Type, &payload, &job.Priority, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.ScheduledAt, &timeoutMS,
		&job.LastError, &job.RecurringID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, err
		}
	}
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &job, nil
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

// ClaimNext flips the best eligible pending job to active inside one
// transaction. SKIP LOCKED keeps concurrent pickers from blocking on or
// double-claiming the same row.
func (r *jobRepo) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	var claimed *model.Job

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY priority DESC, scheduled_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED;`

		row, err := pickRow(ctx, r.pool, tx, q, now)
		if err != nil {
			return err
		}
		job, err := scanJob(row)
		if err != nil {
			return err
		}

		job.Status = model.JobStatusActive
		if err := r.Save(ctx, tx, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) CancelByID(ctx context.Context, id string) error {
	const q = `
UPDATE jobs SET status = 'cancelled', updated_at = NOW()
WHERE id = $1 AND status IN ('pending', 'active');`

	tag, err := execSQL(ctx, r.pool, nil, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish unknown from already-terminal.
		if _, err := r.FindByID(ctx, nil, id); err != nil {
			return err
		}
		return domain.ErrJobNotCancellable
	}
	return nil
}

func (r *jobRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	row, err := pickRow(ctx, r.pool, nil, `SELECT status FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return false, err
	}
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	return model.JobStatus(status) == model.JobStatusCancelled, nil
}

func (r *jobRepo) ResetFailed(ctx context.Context) (int, error) {
	const q = `
UPDATE jobs SET status = 'pending', attempts = 0, scheduled_at = NOW(), updated_at = NOW()
WHERE status = 'failed';`

	tag, err := execSQL(ctx, r.pool, nil, q)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1;`

	tag, err := execSQL(ctx, r.pool, nil, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// nullable maps the empty string to SQL NULL for optional FK columns.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
