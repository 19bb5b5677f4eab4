package postgres

import (
	"context"
	"encoding/json"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.RecurringJobRepository = (*recurringJobRepo)(nil)

type recurringJobRepo struct {
	pool *pgxpool.Pool
}

func NewRecurringJobRepo(pool *pgxpool.Pool) *recurringJobRepo {
	return &recurringJobRepo{pool: pool}
}

func (r *recurringJobRepo) Save(ctx context.Context, tx repository.Tx, spec *model.RecurringJobSpec) error {
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO recurring_jobs (id, type, payload, interval_ms, priority, enabled, next_run_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
  payload = EXCLUDED.payload,
  interval_ms = EXCLUDED.interval_ms,
  priority = EXCLUDED.priority,
  enabled = EXCLUDED.enabled,
  next_run_at = EXCLUDED.next_run_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		spec.ID, spec.Type, payload, spec.Interval.Milliseconds(), spec.Priority,
		spec.Enabled, spec.NextRunAt, spec.CreatedAt)
	return err
}

func (r *recurringJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.RecurringJobSpec, error) {
	const q = `
SELECT id, type, payload, interval_ms, priority, enabled, next_run_at, created_at
FROM recurring_jobs WHERE id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var (
		spec       model.RecurringJobSpec
		payload    []byte
		intervalMS int64
	)
	err = row.Scan(&spec.ID, &spec.Type, &payload, &intervalMS, &spec.Priority,
		&spec.Enabled, &spec.NextRunAt, &spec.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &spec.Payload); err != nil {
			return nil, err
		}
	}
	spec.Interval = time.Duration(intervalMS) * time.Millisecond
	return &spec, nil
}

func (r *recurringJobRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := execSQL(ctx, r.pool, nil,
		`UPDATE recurring_jobs SET enabled = $2 WHERE id = $1;`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *recurringJobRepo) Delete(ctx context.Context, id string) error {
	tag, err := execSQL(ctx, r.pool, nil, `DELETE FROM recurring_jobs WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
