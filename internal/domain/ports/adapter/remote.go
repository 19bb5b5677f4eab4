package adapter

import (
	"context"

	"promptsync/internal/domain/model"
)

// ChangeKind classifies a realtime push event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one out-of-band record change pushed by the remote.
type ChangeEvent struct {
	Kind   ChangeKind
	Table  string
	Record model.RemoteRecord
}

// FetchPage is one adapter-paginated slice of the remote record set.
type FetchPage struct {
	Records []model.RemoteRecord
	Total   int
}

// PushResult reports per-record acceptance of one pushed batch.
type PushResult struct {
	Accepted []model.RemoteRecord // echoes remote-assigned id/version
	Rejected []PushRejection
}

type PushRejection struct {
	Name   string
	Reason string
}

// SubscriptionHandle is a live realtime channel. Close is idempotent.
type SubscriptionHandle interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// RemoteStore is the hex port every remote kind implements. Batch methods
// must honor ctx cancellation between network calls.
type RemoteStore interface {
	// Handshake validates credentials against the live remote and reports
	// its capabilities. Called once at connection registration.
	Handshake(ctx context.Context) (model.Capabilities, error)

	// Count resolves the number of records matching filter, used to seed
	// progress.total before the first batch.
	Count(ctx context.Context, filter model.PromptFilter) (int, error)

	// FetchBatch returns up to limit records starting at offset.
	FetchBatch(ctx context.Context, filter model.PromptFilter, offset, limit int) (FetchPage, error)

	// FetchByIDs returns the current remote state of the given record ids,
	// omitting ids the remote does not know. Used for pre-push conflict
	// detection on records that already carry a remoteId.
	FetchByIDs(ctx context.Context, ids []string) ([]model.RemoteRecord, error)

	// PushBatch upserts records on the remote side.
	PushBatch(ctx context.Context, records []model.RemoteRecord) (PushResult, error)

	// Subscribe opens a realtime channel for table changes.
	// Returns domain.ErrRealtimeUnsupported when the remote cannot push.
	Subscribe(ctx context.Context, table string, filter model.PromptFilter) (SubscriptionHandle, error)

	Close() error
}
