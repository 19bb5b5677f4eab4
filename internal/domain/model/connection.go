package model

import (
	"time"

	"promptsync/internal/domain"

	"github.com/google/uuid"
)

type ConnectionKind string

const (
	ConnectionKindREST     ConnectionKind = "rest"
	ConnectionKindPostgres ConnectionKind = "postgres"
)

// Capabilities are discovered during the registration handshake.
type Capabilities struct {
	Realtime     bool
	ServiceLevel string // "free" | "pro" | "" when the remote does not report one
}

// SyncDefaults seed per-connection sync requests and drive auto-sync.
type SyncDefaults struct {
	Direction          SyncDirection
	ConflictResolution ConflictPolicy
	BatchSize          int
	AutoSync           bool
	AutoSyncInterval   time.Duration
}

// SyncConnection is a validated handle to one remote store. Immutable after
// registration except for LastSyncAt and the active flag.
type SyncConnection struct {
	ID           string
	Name         string
	Kind         ConnectionKind
	Credentials  Credentials
	Capabilities Capabilities
	Defaults     SyncDefaults
	Active       bool
	LastSyncAt   *time.Time
	CreatedAt    time.Time
}

// Credentials is opaque to everything but the adapter that consumes it.
// Never logged in full; use logging.Redact.
type Credentials struct {
	URL    string
	APIKey string
	DSN    string
}

func NewSyncConnection(name string, kind ConnectionKind, creds Credentials, defaults SyncDefaults) (*SyncConnection, error) {
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Msg: "required"}
	}
	switch kind {
	case ConnectionKindREST:
		if creds.URL == "" {
			return nil, &domain.ValidationError{Field: "credentials.url", Msg: "required for rest connections"}
		}
	case ConnectionKindPostgres:
		if creds.DSN == "" {
			return nil, &domain.ValidationError{Field: "credentials.dsn", Msg: "required for postgres connections"}
		}
	default:
		return nil, &domain.ValidationError{Field: "kind", Msg: "must be rest or postgres"}
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = DefaultBatchSize
	}
	return &SyncConnection{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		Credentials: creds,
		Defaults:    defaults,
		Active:      true,
		CreatedAt:   time.Now(),
	}, nil
}
