package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.SyncOperationRepository = (*syncOperationRepo)(nil)

// syncOperationRepo stores operations with the variable-shape parts
// (options, progress, result) as JSONB. UpdateProgress runs after every
// processed record; the full Save only on lifecycle transitions.
type syncOperationRepo struct {
	pool *pgxpool.Pool
}

func NewSyncOperationRepo(pool *pgxpool.Pool) *syncOperationRepo {
	return &syncOperationRepo{pool: pool}
}

func (r *syncOperationRepo) Save(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	op.UpdatedAt = time.Now()
	options, err := json.Marshal(op.Options)
	if err != nil {
		return err
	}
	progress, err := json.Marshal(op.Progress)
	if err != nil {
		return err
	}
	result, err := json.Marshal(op.Result)
	if err != nil {
		return err
	}

	// A terminal row keeps its status and completion time: an operator
	// cancel must not be clobbered by the executor finishing later.
	const q = `
INSERT INTO sync_operations (id, connection_id, options, status, progress, result,
                             job_id, started_at, completed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  status = CASE WHEN sync_operations.status IN ('completed', 'failed', 'cancelled')
                THEN sync_operations.status ELSE EXCLUDED.status END,
  progress = EXCLUDED.progress,
  result = EXCLUDED.result,
  job_id = EXCLUDED.job_id,
  started_at = EXCLUDED.started_at,
  completed_at = CASE WHEN sync_operations.status IN ('completed', 'failed', 'cancelled')
                      THEN sync_operations.completed_at ELSE EXCLUDED.completed_at END,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		op.ID, op.ConnectionID, options, op.Status, progress, result,
		nullable(op.JobID), op.StartedAt, op.CompletedAt, op.CreatedAt, op.UpdatedAt)
	return err
}

func (r *syncOperationRepo) UpdateProgress(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	op.UpdatedAt = time.Now()
	progress, err := json.Marshal(op.Progress)
	if err != nil {
		return err
	}
	result, err := json.Marshal(op.Result)
	if err != nil {
		return err
	}

	const q = `
UPDATE sync_operations SET progress = $2, result = $3, updated_at = $4
WHERE id = $1;`

	_, err = execSQL(ctx, r.pool, tx, q, op.ID, progress, result, op.UpdatedAt)
	return err
}

const operationColumns = `id, connection_id, options, status, progress, result,
COALESCE(job_id, ''), started_at, completed_at, created_at, updated_at`

func scanOperation(row pgx.Row) (*model.SyncOperation, error) {
	var (
		op                        model.SyncOperation
		options, progress, result []byte
	)
	err := row.Scan(&op.ID, &op.ConnectionID, &options, &op.Status, &progress, &result,
		&op.JobID, &op.StartedAt, &op.CompletedAt, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(options, &op.Options); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(progress, &op.Progress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(result, &op.Result); err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *syncOperationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SyncOperation, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+operationColumns+` FROM sync_operations WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanOperation(row)
}

func (r *syncOperationRepo) List(ctx context.Context, tx repository.Tx, connectionID string, offset, limit int) ([]*model.SyncOperation, error) {
	// ULID ids sort by creation time, newest first.
	q := `SELECT ` + operationColumns + ` FROM sync_operations`
	args := []interface{}{}
	if connectionID != "" {
		q += ` WHERE connection_id = $1`
		args = append(args, connectionID)
	}
	q += ` ORDER BY id DESC`
	args = append(args, limit, offset)
	q += fmt.Sprintf(` LIMIT $%d OFFSET $%d;`, len(args)-1, len(args))

	rows, err := pickRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (r *syncOperationRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
DELETE FROM sync_operations
WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1;`

	tag, err := execSQL(ctx, r.pool, nil, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
