package model

import (
	"crypto/rand"
	"time"

	"promptsync/internal/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type SyncDirection string

const (
	DirectionPull          SyncDirection = "pull"
	DirectionPush          SyncDirection = "push"
	DirectionBidirectional SyncDirection = "bidirectional"
)

func (d SyncDirection) Pulls() bool {
	return d == DirectionPull || d == DirectionBidirectional
}

func (d SyncDirection) Pushes() bool {
	return d == DirectionPush || d == DirectionBidirectional
}

type SyncStrategy string

const (
	// StrategySafe stops at the first batch containing an unresolved conflict.
	StrategySafe SyncStrategy = "safe"
	// StrategyAggressive continues best-effort through conflicts and errors.
	StrategyAggressive SyncStrategy = "aggressive"
	StrategyManual     SyncStrategy = "manual"
)

type ConflictPolicy string

const (
	ResolveManual     ConflictPolicy = "manual"
	ResolveLocalWins  ConflictPolicy = "local-wins"
	ResolveRemoteWins ConflictPolicy = "remote-wins"
	ResolveNewestWins ConflictPolicy = "newest-wins"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// SyncOptions is the configuration surface of one sync request.
type SyncOptions struct {
	Direction          SyncDirection
	Strategy           SyncStrategy
	ConflictResolution ConflictPolicy
	BatchSize          int
	Filter             PromptFilter
	EnableRetry        bool
	MaxRetries         int // per-record retries before counting a hard error
}

const DefaultBatchSize = 50

// Normalize applies defaults and validates the request.
func (o *SyncOptions) Normalize() error {
	if o.Direction == "" {
		o.Direction = DirectionPull
	}
	switch o.Direction {
	case DirectionPull, DirectionPush, DirectionBidirectional:
	default:
		return &domain.ValidationError{Field: "direction", Msg: "must be pull, push or bidirectional"}
	}
	if o.Strategy == "" {
		o.Strategy = StrategyAggressive
	}
	switch o.Strategy {
	case StrategySafe, StrategyAggressive, StrategyManual:
	default:
		return &domain.ValidationError{Field: "strategy", Msg: "must be safe, aggressive or manual"}
	}
	if o.ConflictResolution == "" {
		o.ConflictResolution = ResolveManual
	}
	switch o.ConflictResolution {
	case ResolveManual, ResolveLocalWins, ResolveRemoteWins, ResolveNewestWins:
	default:
		return &domain.ValidationError{Field: "conflictResolution", Msg: "unknown policy"}
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.EnableRetry && o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	return nil
}

// Progress counters are monotonically increasing within a run and safe to
// read concurrently by a status-polling caller (last write wins).
type Progress struct {
	Total      int
	Processed  int
	Successful int
	Failed     int
	Skipped    int
}

// SyncError records one per-record failure without aborting the batch.
type SyncError struct {
	RecordID  string
	Phase     string // "pull" | "push" | "realtime"
	Message   string
	Retryable bool
	At        time.Time
}

// SyncResult accumulates the outcome of one operation.
type SyncResult struct {
	Pulled    int
	Pushed    int
	Updated   int
	Conflicts []Conflict
	Errors    []SyncError
}

// SyncOperation owns the lifecycle of one sync run. Mutated exclusively by
// the orchestrator executing it; immutable once terminal, except that
// operator conflict resolution may still update Conflicts entries.
type SyncOperation struct {
	ID           string
	ConnectionID string
	Options      SyncOptions
	Status       OperationStatus
	Progress     Progress
	Result       SyncResult
	JobID        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSyncOperation validates options and constructs a pending operation.
// IDs are ULIDs so listings sort by creation time.
func NewSyncOperation(connectionID string, opts SyncOptions) (*SyncOperation, error) {
	if connectionID == "" {
		return nil, &domain.ValidationError{Field: "connectionId", Msg: "required"}
	}
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &SyncOperation{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ConnectionID: connectionID,
		Options:      opts,
		Status:       OperationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

type ConflictResolution string

const (
	ConflictUnresolved   ConflictResolution = ""
	ConflictAutoResolved ConflictResolution = "auto-resolved"
	ConflictManual       ConflictResolution = "manual"
)

// Conflict captures two independently diverged snapshots of one record.
type Conflict struct {
	ID             string
	PromptID       string
	RemoteID       string
	LocalSnapshot  Prompt
	RemoteSnapshot RemoteRecord
	Reason         string
	Resolution     ConflictResolution
	ResolvedWith   string // keep-local | use-remote | merge | create-version | policy name
	DetectedAt     time.Time
}

func NewConflict(local *Prompt, remote *RemoteRecord, reason string) Conflict {
	return Conflict{
		ID:             uuid.NewString(),
		PromptID:       local.ID,
		RemoteID:       remote.ID,
		LocalSnapshot:  *local,
		RemoteSnapshot: *remote,
		Reason:         reason,
		DetectedAt:     time.Now(),
	}
}
