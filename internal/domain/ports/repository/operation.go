package repository

import (
	"context"
	"time"

	"promptsync/internal/domain/model"
)

// SyncOperationRepository persists operation lifecycle and progress.
// Progress rows are written after every record, so Save must be an upsert.
type SyncOperationRepository interface {
	// Save writes the full operation. A stored terminal status is never
	// downgraded: a concurrent cancel must survive the executor's writes.
	Save(ctx context.Context, tx Tx, op *model.SyncOperation) error
	// UpdateProgress persists progress and result only. The executor calls
	// it per record, so it must not touch status.
	UpdateProgress(ctx context.Context, tx Tx, op *model.SyncOperation) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.SyncOperation, error)
	// List returns operations newest-first (ULID ids sort by time).
	List(ctx context.Context, tx Tx, connectionID string, offset, limit int) ([]*model.SyncOperation, error)
	// DeleteTerminalBefore prunes old terminal operations during cleanup.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
