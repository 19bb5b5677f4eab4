package usecase

import (
	"slices"
	"time"

	"promptsync/internal/domain/model"
)

// Verdict says what the sync path should do with a (local, remote) pair.
type Verdict int

const (
	// VerdictNoChange means the compared content is identical; nothing to do.
	VerdictNoChange Verdict = iota
	// VerdictApplyRemote means only the remote side moved since the
	// watermark (or the record was never synced); overwrite local.
	VerdictApplyRemote
	// VerdictKeepLocal means only the local side moved; local wins by
	// overwrite-on-push, nothing to apply here.
	VerdictKeepLocal
	// VerdictConflict means both sides diverged independently since the
	// last confirmed sync and the content differs.
	VerdictConflict
)

// DetectConflict runs the three-point watermark comparison: a true conflict
// requires the watermark to be set, both updatedAt values past it, and
// differing content. A one-sided change flows through as a normal update.
func DetectConflict(local *model.Prompt, remote *model.RemoteRecord) Verdict {
	if contentEqual(local, remote) {
		return VerdictNoChange
	}
	if local.LastSyncAt == nil {
		// Never synced: the remote copy is authoritative for a matched
		// record (name-based match before the first stamp).
		return VerdictApplyRemote
	}
	mark := *local.LastSyncAt
	localMoved := local.UpdatedAt.After(mark)
	remoteMoved := remote.UpdatedAt.After(mark)
	switch {
	case localMoved && remoteMoved:
		return VerdictConflict
	case localMoved:
		return VerdictKeepLocal
	default:
		return VerdictApplyRemote
	}
}

func contentEqual(local *model.Prompt, remote *model.RemoteRecord) bool {
	return local.Content == remote.Content && slices.Equal(local.Tags, remote.Tags)
}

// Resolution is the deterministic outcome of applying a policy to one
// conflict. Apply tells the caller whether to overwrite local from remote.
type Resolution struct {
	Resolved bool
	Apply    bool
	With     string
}

// ResolveConflict applies policy to the snapshot pair. No I/O, no
// randomness: the same inputs always yield the same outcome, so applying
// a policy twice is idempotent.
func ResolveConflict(c *model.Conflict, policy model.ConflictPolicy) Resolution {
	switch policy {
	case model.ResolveLocalWins:
		return Resolution{Resolved: true, Apply: false, With: string(policy)}
	case model.ResolveRemoteWins:
		return Resolution{Resolved: true, Apply: true, With: string(policy)}
	case model.ResolveNewestWins:
		apply := newestIsRemote(c.LocalSnapshot.UpdatedAt, c.RemoteSnapshot.UpdatedAt)
		return Resolution{Resolved: true, Apply: apply, With: string(policy)}
	default:
		// manual: record only, no mutation
		return Resolution{}
	}
}

// newestIsRemote breaks the exact tie toward local so that newest-wins
// never flip-flops between runs over identical timestamps.
func newestIsRemote(localAt, remoteAt time.Time) bool {
	return remoteAt.After(localAt)
}
