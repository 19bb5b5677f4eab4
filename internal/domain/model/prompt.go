package model

import (
	"time"

	"promptsync/internal/domain"

	"github.com/google/uuid"
)

// Prompt is the local record kept in sync with remote stores. The
// {RemoteID, LastSyncAt} stamp is set once the record has synced at least
// once and is the single source of truth the conflict detector reads.
type Prompt struct {
	ID      string
	Name    string
	Content string
	Tags    []string

	RemoteID   string
	LastSyncAt *time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
}

func NewPrompt(name, content string, tags []string) (*Prompt, error) {
	if name == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Prompt{
		ID:        uuid.NewString(),
		Name:      name,
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (p *Prompt) IsArchived() bool { return p != nil && p.ArchivedAt != nil }

// Stamp records a confirmed sync against remoteID at t.
func (p *Prompt) Stamp(remoteID string, t time.Time) {
	p.RemoteID = remoteID
	p.LastSyncAt = &t
}

// RemoteRecord is a record as the remote adapter yields it. Content and
// Tags carry the compared payload; UpdatedAt is the remote's own clock.
type RemoteRecord struct {
	ID        string
	Name      string
	Content   string
	Tags      []string
	Version   int64
	UpdatedAt time.Time
	Deleted   bool
}

// PromptFilter narrows batch selection for pull and push phases.
type PromptFilter struct {
	Tags          []string
	ModifiedAfter *time.Time
	NamePrefix    string
}
