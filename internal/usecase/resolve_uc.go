package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
)

// ResolveChoice is an operator's decision on a manually held conflict.
type ResolveChoice string

const (
	ChoiceKeepLocal     ResolveChoice = "keep-local"
	ChoiceUseRemote     ResolveChoice = "use-remote"
	ChoiceMerge         ResolveChoice = "merge"
	ChoiceCreateVersion ResolveChoice = "create-version"
)

// ResolveManualConflict applies an operator decision to a conflict held on
// an operation (operationID set) or flagged by realtime (operationID
// empty). Terminal operations may be reopened for this one mutation.
func (uc *SyncOrchestrator) ResolveManualConflict(ctx context.Context, operationID, conflictID string, choice ResolveChoice, mergedContent string) error {
	if operationID == "" {
		return uc.resolveRealtimeConflict(ctx, conflictID, choice, mergedContent)
	}

	op, err := uc.ops.FindByID(ctx, nil, operationID)
	if err != nil {
		return err
	}
	idx := -1
	for i := range op.Result.Conflicts {
		if op.Result.Conflicts[i].ID == conflictID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.ErrNotFound
	}
	c := &op.Result.Conflicts[idx]
	if c.Resolution != model.ConflictUnresolved {
		return &domain.ValidationError{Field: "conflictId", Msg: "already resolved"}
	}
	if err := uc.applyChoice(ctx, c, choice, mergedContent); err != nil {
		return err
	}
	c.Resolution = model.ConflictManual
	c.ResolvedWith = string(choice)
	return uc.ops.Save(ctx, nil, op)
}

func (uc *SyncOrchestrator) resolveRealtimeConflict(ctx context.Context, conflictID string, choice ResolveChoice, mergedContent string) error {
	uc.rtMu.Lock()
	c, ok := uc.rtConflicts[conflictID]
	uc.rtMu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	if err := uc.applyChoice(ctx, &c, choice, mergedContent); err != nil {
		return err
	}
	uc.rtMu.Lock()
	delete(uc.rtConflicts, conflictID)
	uc.rtMu.Unlock()
	return nil
}

func (uc *SyncOrchestrator) applyChoice(ctx context.Context, c *model.Conflict, choice ResolveChoice, mergedContent string) error {
	local, err := uc.local.FindByRemoteID(ctx, c.RemoteID)
	if errors.Is(err, domain.ErrNotFound) {
		// Stamp may not have been written yet for a name-matched record.
		local, err = uc.local.FindByName(ctx, c.LocalSnapshot.Name)
	}
	if err != nil {
		return err
	}
	now := time.Now()

	switch choice {
	case ChoiceKeepLocal:
		local.Stamp(c.RemoteID, now)
		return uc.local.Update(ctx, local)

	case ChoiceUseRemote:
		return uc.applyRemote(ctx, local, &c.RemoteSnapshot)

	case ChoiceMerge:
		if mergedContent == "" {
			return &domain.ValidationError{Field: "mergedContent", Msg: "required for merge"}
		}
		local.Content = mergedContent
		local.UpdatedAt = now
		local.Stamp(c.RemoteID, now)
		return uc.local.Update(ctx, local)

	case ChoiceCreateVersion:
		// Keep both: the remote copy becomes a new stamped record, the
		// existing record stays purely local.
		p, err := model.NewPrompt(fmt.Sprintf("%s (remote)", c.RemoteSnapshot.Name), c.RemoteSnapshot.Content, c.RemoteSnapshot.Tags)
		if err != nil {
			return err
		}
		p.Stamp(c.RemoteID, now)
		if err := uc.local.Create(ctx, p); err != nil {
			return err
		}
		local.RemoteID = ""
		local.LastSyncAt = nil
		return uc.local.Update(ctx, local)

	default:
		return &domain.ValidationError{Field: "choice", Msg: "must be keep-local, use-remote, merge or create-version"}
	}
}
