package usecase

import (
	"context"
	"errors"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
)

// ApplyRemoteChange routes one realtime push event through the same
// find-match / detect / resolve path the pull phase uses, so a record
// touched by realtime and one touched by batch sync never diverge in
// behavior. Returns the outcome label for metrics.
func (uc *SyncOrchestrator) ApplyRemoteChange(ctx context.Context, conn *model.SyncConnection, ev adapter.ChangeEvent) (string, error) {
	rec := ev.Record

	if ev.Kind == adapter.ChangeDelete {
		local, err := uc.local.FindByRemoteID(ctx, rec.ID)
		if errors.Is(err, domain.ErrNotFound) {
			// Delete of a record we never had is a no-op.
			return outcomeNoop, nil
		}
		if err != nil {
			return "", domain.Transient("local lookup", err)
		}
		if err := uc.local.Archive(ctx, local.ID); err != nil {
			return "", domain.Transient("archive local record", err)
		}
		return "archived", nil
	}

	local, err := uc.findLocalMatch(ctx, &rec)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", domain.Transient("local lookup", err)
	}

	if local == nil {
		p, err := model.NewPrompt(rec.Name, rec.Content, rec.Tags)
		if err != nil {
			return "", err
		}
		p.Stamp(rec.ID, time.Now())
		if err := uc.local.Create(ctx, p); err != nil {
			return "", domain.Transient("create local record", err)
		}
		return outcomePulled, nil
	}

	switch DetectConflict(local, &rec) {
	case VerdictNoChange, VerdictKeepLocal:
		return outcomeNoop, nil
	case VerdictApplyRemote:
		if err := uc.applyRemote(ctx, local, &rec); err != nil {
			return "", err
		}
		return outcomeUpdated, nil
	}

	policy := conn.Defaults.ConflictResolution
	if policy == "" {
		policy = model.ResolveManual
	}
	conflict := model.NewConflict(local, &rec, "realtime event and local edit both changed since last sync")
	res := ResolveConflict(&conflict, policy)
	if !res.Resolved {
		uc.flagRealtimeConflict(conflict)
		return outcomeSkipped, nil
	}
	if res.Apply {
		if err := uc.applyRemote(ctx, local, &rec); err != nil {
			return "", err
		}
		return outcomeUpdated, nil
	}
	local.Stamp(rec.ID, time.Now())
	if err := uc.local.Update(ctx, local); err != nil {
		return "", domain.Transient("refresh stamp", err)
	}
	return outcomeNoop, nil
}

// flagRealtimeConflict parks an unresolved conflict for operator review.
// The map is bounded; the oldest entry is evicted first under pressure.
func (uc *SyncOrchestrator) flagRealtimeConflict(c model.Conflict) {
	uc.rtMu.Lock()
	defer uc.rtMu.Unlock()
	if len(uc.rtConflicts) >= uc.rtConflictCap {
		oldestID := ""
		var oldest time.Time
		for id, existing := range uc.rtConflicts {
			if oldestID == "" || existing.DetectedAt.Before(oldest) {
				oldestID, oldest = id, existing.DetectedAt
			}
		}
		delete(uc.rtConflicts, oldestID)
	}
	uc.rtConflicts[c.ID] = c
}

// PendingRealtimeConflicts lists conflicts flagged outside any operation.
func (uc *SyncOrchestrator) PendingRealtimeConflicts() []model.Conflict {
	uc.rtMu.Lock()
	defer uc.rtMu.Unlock()
	out := make([]model.Conflict, 0, len(uc.rtConflicts))
	for _, c := range uc.rtConflicts {
		out = append(out, c)
	}
	return out
}
