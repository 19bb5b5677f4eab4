package adapter

import (
	"context"

	"promptsync/internal/domain/model"
)

// LocalStore is the port through which batch sync and realtime events
// mutate local records. Lookups return domain.ErrNotFound on a miss.
type LocalStore interface {
	FindByRemoteID(ctx context.Context, remoteID string) (*model.Prompt, error)
	// FindByName is the fallback match when a remote record carries no
	// known remote id locally. Archived records are not matched.
	FindByName(ctx context.Context, name string) (*model.Prompt, error)
	List(ctx context.Context, filter model.PromptFilter, offset, limit int) ([]*model.Prompt, error)
	Count(ctx context.Context, filter model.PromptFilter) (int, error)
	Create(ctx context.Context, p *model.Prompt) error
	Update(ctx context.Context, p *model.Prompt) error
	// Archive soft-deletes; the record keeps its stamp plus a deletion
	// timestamp and stops matching name lookups.
	Archive(ctx context.Context, id string) error
}
