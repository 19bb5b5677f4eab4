package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/domain/ports/repository"
	"promptsync/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// ConnectionProvider hands out live remote adapter handles. Implemented by
// the in-memory connection registry; access to one handle is serialized
// there when the adapter is not safe for concurrent use.
type ConnectionProvider interface {
	Remote(id string) (adapter.RemoteStore, *model.SyncConnection, error)
	// Acquire serializes operations on one connection. The returned
	// release func must be called exactly once.
	Acquire(ctx context.Context, id string) (release func(), err error)
	MarkSynced(id string, t time.Time)
	ReportError(id string)
}

// ProgressNotifier broadcasts operation progress. Fire-and-forget:
// implementations must never block the sync loop.
type ProgressNotifier interface {
	Notify(operationID string, p model.Progress)
}

// JobEnqueuer is the slice of the job queue the orchestrator needs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, typ model.JobType, payload map[string]any, opts model.JobOptions) (*model.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// SyncSettings carries the operator-configured fallbacks applied to sync
// requests that leave the corresponding option unset.
type SyncSettings struct {
	BatchSize      int
	ConflictPolicy model.ConflictPolicy
	JobTimeout     time.Duration
	MaxAttempts    int
}

// SyncOrchestrator owns the lifecycle of sync operations: it creates them,
// executes their pull/push phases inside a picked job, and applies
// realtime change events through the same conflict path.
type SyncOrchestrator struct {
	ops      repository.SyncOperationRepository
	local    adapter.LocalStore
	conns    ConnectionProvider
	jobs     JobEnqueuer
	notifier ProgressNotifier
	defaults SyncSettings
	log      *zerolog.Logger

	// Conflicts flagged by realtime events have no owning operation.
	// Process-local; rebuilt empty on restart.
	rtMu          sync.Mutex
	rtConflicts   map[string]model.Conflict
	rtConflictCap int
}

func NewSyncOrchestrator(
	ops repository.SyncOperationRepository,
	local adapter.LocalStore,
	conns ConnectionProvider,
	jobs JobEnqueuer,
	notifier ProgressNotifier,
	defaults SyncSettings,
	log *zerolog.Logger,
) *SyncOrchestrator {
	return &SyncOrchestrator{
		ops:           ops,
		local:         local,
		conns:         conns,
		jobs:          jobs,
		notifier:      notifier,
		defaults:      defaults,
		log:           log,
		rtConflicts:   make(map[string]model.Conflict),
		rtConflictCap: 256,
	}
}

// StartSync validates the request, persists a pending operation and
// enqueues the sync job that will execute it. Validation failures
// propagate synchronously; nothing is enqueued.
func (uc *SyncOrchestrator) StartSync(ctx context.Context, connectionID string, opts model.SyncOptions) (*model.SyncOperation, error) {
	if _, _, err := uc.conns.Remote(connectionID); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 && uc.defaults.BatchSize > 0 {
		opts.BatchSize = uc.defaults.BatchSize
	}
	if opts.ConflictResolution == "" && uc.defaults.ConflictPolicy != "" {
		opts.ConflictResolution = uc.defaults.ConflictPolicy
	}
	op, err := model.NewSyncOperation(connectionID, opts)
	if err != nil {
		return nil, err
	}
	if err := uc.ops.Save(ctx, nil, op); err != nil {
		return nil, err
	}
	job, err := uc.jobs.Enqueue(ctx, model.JobTypeSync, map[string]any{"operation_id": op.ID}, model.JobOptions{
		Timeout:     uc.defaults.JobTimeout,
		MaxAttempts: uc.defaults.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	op.JobID = job.ID
	if err := uc.ops.Save(ctx, nil, op); err != nil {
		return nil, err
	}
	uc.log.Info().Str("operation_id", op.ID).Str("connection_id", connectionID).
		Str("direction", string(op.Options.Direction)).Msg("sync operation created")
	return op, nil
}

func (uc *SyncOrchestrator) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	return uc.ops.FindByID(ctx, nil, id)
}

func (uc *SyncOrchestrator) ListOperations(ctx context.Context, connectionID string, offset, limit int) ([]*model.SyncOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	return uc.ops.List(ctx, nil, connectionID, offset, limit)
}

// CancelOperation flips a pending or running operation to cancelled. For
// pending operations the underlying job is cancelled too; a running one
// stops cooperatively at the next record boundary.
func (uc *SyncOrchestrator) CancelOperation(ctx context.Context, id string) error {
	op, err := uc.ops.FindByID(ctx, nil, id)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return domain.ErrOperationTerminal
	}
	if op.Status == model.OperationPending && op.JobID != "" {
		if err := uc.jobs.Cancel(ctx, op.JobID); err != nil && !errors.Is(err, domain.ErrJobNotCancellable) {
			return err
		}
	}
	op.Status = model.OperationCancelled
	now := time.Now()
	op.CompletedAt = &now
	return uc.ops.Save(ctx, nil, op)
}

// Execute runs one operation to a terminal state. It is the body of the
// registered `sync` job handler and must only be invoked from there.
func (uc *SyncOrchestrator) Execute(ctx context.Context, operationID string) error {
	op, err := uc.ops.FindByID(ctx, nil, operationID)
	if err != nil {
		return domain.Transient("load operation", err)
	}
	if op.Status != model.OperationPending {
		// Cancelled before the job ran, or a retried job raced a
		// previous attempt's terminal write.
		return nil
	}

	remote, _, err := uc.conns.Remote(op.ConnectionID)
	if err != nil {
		return uc.fail(ctx, op, err)
	}
	release, err := uc.conns.Acquire(ctx, op.ConnectionID)
	if err != nil {
		return domain.Transient("acquire connection", err)
	}
	defer release()

	now := time.Now()
	op.Status = model.OperationRunning
	op.StartedAt = &now
	if err := uc.ops.Save(ctx, nil, op); err != nil {
		return domain.Transient("persist operation", err)
	}

	log := uc.log.With().Str("operation_id", op.ID).Str("connection_id", op.ConnectionID).Logger()
	log.Info().Str("direction", string(op.Options.Direction)).Msg("sync started")

	run := func() error {
		if op.Options.Direction.Pulls() {
			if err := uc.runPull(ctx, op, remote, &log); err != nil {
				return err
			}
		}
		if op.Options.Direction.Pushes() {
			if err := uc.runPush(ctx, op, remote, &log); err != nil {
				return err
			}
		}
		return nil
	}

	if err := run(); err != nil {
		if errors.Is(err, errOperationCancelled) {
			uc.finish(ctx, op, model.OperationCancelled, &log)
			return nil
		}
		uc.conns.ReportError(op.ConnectionID)
		return uc.fail(ctx, op, err)
	}

	// Completed only when nothing errored; unresolved conflicts are
	// surfaced, not failures.
	status := model.OperationCompleted
	if len(op.Result.Errors) > 0 {
		status = model.OperationFailed
	}
	uc.finish(ctx, op, status, &log)
	uc.conns.MarkSynced(op.ConnectionID, time.Now())
	return nil
}

var errOperationCancelled = errors.New("operation cancelled")

func (uc *SyncOrchestrator) finish(ctx context.Context, op *model.SyncOperation, status model.OperationStatus, log *zerolog.Logger) {
	// A cancel may have landed since the last check; its terminal status
	// wins over whatever this run would report.
	if cur, err := uc.ops.FindByID(ctx, nil, op.ID); err == nil && cur.Status.IsTerminal() {
		status = cur.Status
	}
	now := time.Now()
	op.Status = status
	op.CompletedAt = &now
	if err := uc.ops.Save(ctx, nil, op); err != nil {
		log.Error().Err(err).Msg("persist terminal operation")
	}
	uc.notifier.Notify(op.ID, op.Progress)
	metrics.IncSyncOperation(string(op.Options.Direction), string(status))
	log.Info().Str("status", string(status)).
		Int("pulled", op.Result.Pulled).Int("pushed", op.Result.Pushed).
		Int("updated", op.Result.Updated).Int("conflicts", len(op.Result.Conflicts)).
		Int("errors", len(op.Result.Errors)).Msg("sync finished")
}

func (uc *SyncOrchestrator) fail(ctx context.Context, op *model.SyncOperation, cause error) error {
	op.Result.Errors = append(op.Result.Errors, model.SyncError{
		Phase:     "operation",
		Message:   cause.Error(),
		Retryable: domain.IsRetryable(cause),
		At:        time.Now(),
	})
	uc.finish(ctx, op, model.OperationFailed, uc.log)
	return cause
}

// cancelled re-reads just the status flag; the operation record itself is
// mutated only by this goroutine.
func (uc *SyncOrchestrator) cancelled(ctx context.Context, opID string) bool {
	cur, err := uc.ops.FindByID(ctx, nil, opID)
	if err != nil {
		return false
	}
	return cur.Status == model.OperationCancelled
}

// runPull pages through the remote record set, reconciling each record
// against the local store. Progress is persisted after each record; a
// progress event is emitted once per batch.
func (uc *SyncOrchestrator) runPull(ctx context.Context, op *model.SyncOperation, remote adapter.RemoteStore, log *zerolog.Logger) error {
	total, err := remote.Count(ctx, op.Options.Filter)
	if err != nil {
		return domain.Transient("count remote records", err)
	}
	op.Progress.Total += total
	if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
		return domain.Transient("persist progress", err)
	}

	offset := 0
	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := remote.FetchBatch(ctx, op.Options.Filter, offset, op.Options.BatchSize)
		if err != nil {
			var ae *domain.AuthorizationError
			if errors.As(err, &ae) {
				return err // adapter unusable, fail the whole operation
			}
			return domain.Transient("fetch batch", err)
		}
		if len(page.Records) == 0 {
			break
		}

		unresolvedInBatch := false
		for i := range page.Records {
			if uc.cancelled(ctx, op.ID) {
				return errOperationCancelled
			}
			rec := &page.Records[i]
			outcome, err := uc.withRecordRetry(ctx, op, func() (string, error) {
				return uc.processPullRecord(ctx, op, rec)
			})
			op.Progress.Processed++
			switch {
			case err != nil:
				op.Progress.Failed++
				op.Result.Errors = append(op.Result.Errors, model.SyncError{
					RecordID:  rec.ID,
					Phase:     "pull",
					Message:   err.Error(),
					Retryable: domain.IsRetryable(err),
					At:        time.Now(),
				})
				metrics.IncSyncRecord("pull", "error")
			case outcome == outcomeSkipped:
				op.Progress.Skipped++
				unresolvedInBatch = true
				metrics.IncSyncRecord("pull", "skipped")
			default:
				op.Progress.Successful++
				metrics.IncSyncRecord("pull", outcome)
			}
			if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
				log.Error().Err(err).Msg("persist per-record progress")
			}
		}
		uc.notifier.Notify(op.ID, op.Progress)

		if unresolvedInBatch && op.Options.Strategy == model.StrategySafe {
			log.Warn().Int("offset", offset).Msg("safe strategy: stopping at first unresolved conflict batch")
			break
		}
		offset += len(page.Records)
	}
	return nil
}

const (
	outcomePulled  = "pulled"
	outcomeUpdated = "updated"
	outcomePushed  = "pushed"
	outcomeNoop    = "noop"
	outcomeSkipped = "skipped"
)

// processPullRecord reconciles one remote record: create on no local
// match, update on a one-sided change, conflict handling otherwise.
func (uc *SyncOrchestrator) processPullRecord(ctx context.Context, op *model.SyncOperation, rec *model.RemoteRecord) (string, error) {
	local, err := uc.findLocalMatch(ctx, rec)
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
		op.Result.Pulled++
		return outcomePulled, nil
	}

	switch DetectConflict(local, rec) {
	case VerdictNoChange:
		return outcomeNoop, nil
	case VerdictKeepLocal:
		// Local-only change: local wins by overwrite-on-push.
		return outcomeNoop, nil
	case VerdictApplyRemote:
		if err := uc.applyRemote(ctx, local, rec); err != nil {
			return "", err
		}
		op.Result.Updated++
		return outcomeUpdated, nil
	default:
		return uc.handleConflict(ctx, op, local, rec)
	}
}

// handleConflict applies the operation's policy; unresolved conflicts are
// recorded and the record is skipped.
func (uc *SyncOrchestrator) handleConflict(ctx context.Context, op *model.SyncOperation, local *model.Prompt, rec *model.RemoteRecord) (string, error) {
	conflict := model.NewConflict(local, rec, "local and remote both changed since last sync")
	res := ResolveConflict(&conflict, op.Options.ConflictResolution)
	metrics.IncSyncConflict(string(op.Options.ConflictResolution))

	if !res.Resolved {
		conflict.Resolution = model.ConflictUnresolved
		op.Result.Conflicts = append(op.Result.Conflicts, conflict)
		return outcomeSkipped, nil
	}

	conflict.Resolution = model.ConflictAutoResolved
	conflict.ResolvedWith = res.With
	op.Result.Conflicts = append(op.Result.Conflicts, conflict)
	if res.Apply {
		if err := uc.applyRemote(ctx, local, rec); err != nil {
			return "", err
		}
		op.Result.Updated++
		return outcomeUpdated, nil
	}
	// Resolved in favor of local: refresh the stamp so the pair stops
	// conflicting on the next run.
	local.Stamp(rec.ID, time.Now())
	if err := uc.local.Update(ctx, local); err != nil {
		return "", domain.Transient("refresh stamp", err)
	}
	return outcomeNoop, nil
}

func (uc *SyncOrchestrator) findLocalMatch(ctx context.Context, rec *model.RemoteRecord) (*model.Prompt, error) {
	local, err := uc.local.FindByRemoteID(ctx, rec.ID)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return uc.local.FindByName(ctx, rec.Name)
}

// applyRemote overwrites local content from remote and refreshes the stamp.
func (uc *SyncOrchestrator) applyRemote(ctx context.Context, local *model.Prompt, rec *model.RemoteRecord) error {
	local.Content = rec.Content
	local.Tags = rec.Tags
	local.UpdatedAt = time.Now()
	local.Stamp(rec.ID, time.Now())
	if err := uc.local.Update(ctx, local); err != nil {
		return domain.Transient("update local record", err)
	}
	return nil
}

// runPush mirrors the pull phase in reverse: local records selected by the
// filter go out in batches through the remote's upsert capability, with
// pre-push conflict detection on records the remote already has.
func (uc *SyncOrchestrator) runPush(ctx context.Context, op *model.SyncOperation, remote adapter.RemoteStore, log *zerolog.Logger) error {
	total, err := uc.local.Count(ctx, op.Options.Filter)
	if err != nil {
		return domain.Transient("count local records", err)
	}
	op.Progress.Total += total
	if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
		return domain.Transient("persist progress", err)
	}

	offset := 0
	for offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		locals, err := uc.local.List(ctx, op.Options.Filter, offset, op.Options.BatchSize)
		if err != nil {
			return domain.Transient("list local records", err)
		}
		if len(locals) == 0 {
			break
		}

		unresolvedInBatch, err := uc.processPushBatch(ctx, op, remote, locals)
		if err != nil {
			return err
		}
		uc.notifier.Notify(op.ID, op.Progress)

		if unresolvedInBatch && op.Options.Strategy == model.StrategySafe {
			log.Warn().Int("offset", offset).Msg("safe strategy: stopping at first unresolved conflict batch")
			break
		}
		offset += len(locals)
	}
	return nil
}

func (uc *SyncOrchestrator) processPushBatch(ctx context.Context, op *model.SyncOperation, remote adapter.RemoteStore, locals []*model.Prompt) (bool, error) {
	// Pre-push conflict detection for records the remote already has.
	var knownIDs []string
	for _, p := range locals {
		if p.RemoteID != "" {
			knownIDs = append(knownIDs, p.RemoteID)
		}
	}
	current := map[string]*model.RemoteRecord{}
	if len(knownIDs) > 0 {
		recs, err := remote.FetchByIDs(ctx, knownIDs)
		if err != nil {
			var ae *domain.AuthorizationError
			if errors.As(err, &ae) {
				return false, err
			}
			return false, domain.Transient("fetch remote state", err)
		}
		for i := range recs {
			current[recs[i].ID] = &recs[i]
		}
	}

	unresolved := false
	var outgoing []*model.Prompt
	for _, p := range locals {
		if uc.cancelled(ctx, op.ID) {
			return false, errOperationCancelled
		}
		rec, exists := current[p.RemoteID]
		if !exists {
			outgoing = append(outgoing, p)
			continue
		}
		switch DetectConflict(p, rec) {
		case VerdictNoChange, VerdictApplyRemote:
			// Nothing local to push; a remote-only change belongs to
			// the pull phase.
			op.Progress.Processed++
			op.Progress.Successful++
		case VerdictKeepLocal:
			outgoing = append(outgoing, p)
			continue
		default:
			outcome, err := uc.handleConflict(ctx, op, p, rec)
			op.Progress.Processed++
			if err != nil {
				op.Progress.Failed++
				op.Result.Errors = append(op.Result.Errors, model.SyncError{
					RecordID: p.ID, Phase: "push", Message: err.Error(),
					Retryable: domain.IsRetryable(err), At: time.Now(),
				})
				metrics.IncSyncRecord("push", "error")
			} else if outcome == outcomeSkipped {
				op.Progress.Skipped++
				unresolved = true
				metrics.IncSyncRecord("push", "skipped")
			} else {
				op.Progress.Successful++
				metrics.IncSyncRecord("push", outcome)
			}
		}
		if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
			uc.log.Error().Err(err).Msg("persist per-record progress")
		}
	}

	if len(outgoing) == 0 {
		return unresolved, nil
	}

	records := make([]model.RemoteRecord, 0, len(outgoing))
	byName := make(map[string]*model.Prompt, len(outgoing))
	for _, p := range outgoing {
		records = append(records, model.RemoteRecord{
			ID:        p.RemoteID,
			Name:      p.Name,
			Content:   p.Content,
			Tags:      p.Tags,
			UpdatedAt: p.UpdatedAt,
		})
		byName[p.Name] = p
	}
	result, err := remote.PushBatch(ctx, records)
	if err != nil {
		var ae *domain.AuthorizationError
		if errors.As(err, &ae) {
			return false, err
		}
		return false, domain.Transient("push batch", err)
	}

	now := time.Now()
	for i := range result.Accepted {
		acc := &result.Accepted[i]
		p := byName[acc.Name]
		if p == nil {
			continue
		}
		// Successful push refreshes the stamp with the remote-assigned id.
		p.Stamp(acc.ID, now)
		op.Progress.Processed++
		if err := uc.local.Update(ctx, p); err != nil {
			op.Progress.Failed++
			op.Result.Errors = append(op.Result.Errors, model.SyncError{
				RecordID: p.ID, Phase: "push", Message: err.Error(), Retryable: true, At: now,
			})
			metrics.IncSyncRecord("push", "error")
		} else {
			op.Progress.Successful++
			op.Result.Pushed++
			metrics.IncSyncRecord("push", outcomePushed)
		}
		if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
			uc.log.Error().Err(err).Msg("persist per-record progress")
		}
	}
	for _, rej := range result.Rejected {
		op.Progress.Processed++
		op.Progress.Failed++
		recordID := ""
		if p := byName[rej.Name]; p != nil {
			recordID = p.ID
		}
		op.Result.Errors = append(op.Result.Errors, model.SyncError{
			RecordID: recordID, Phase: "push",
			Message: fmt.Sprintf("rejected by remote: %s", rej.Reason),
			At:      now,
		})
		metrics.IncSyncRecord("push", "error")
	}
	if err := uc.ops.UpdateProgress(ctx, nil, op); err != nil {
		uc.log.Error().Err(err).Msg("persist batch progress")
	}
	return unresolved, nil
}

// withRecordRetry retries fn per the operation's per-record retry policy.
// Only transient failures are retried; the last error wins.
func (uc *SyncOrchestrator) withRecordRetry(ctx context.Context, op *model.SyncOperation, fn func() (string, error)) (string, error) {
	outcome, err := fn()
	if err == nil || !op.Options.EnableRetry {
		return outcome, err
	}
	for i := 0; i < op.Options.MaxRetries && domain.IsRetryable(err); i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		outcome, err = fn()
		if err == nil {
			return outcome, nil
		}
	}
	return outcome, err
}
