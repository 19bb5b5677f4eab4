package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/repository"
	"promptsync/internal/infra/metrics"
	"promptsync/internal/infra/worker"

	"github.com/rs/zerolog"
)

const DefaultTick = 5 * time.Second

// Queue drives all deferred work: it persists jobs, claims the next
// eligible one on a fixed tick (or immediately on a wake signal), executes
// it through the dispatcher on the worker pool, and applies the
// retry/timeout policy. Store errors are logged and retried on the next
// tick; they never crash the picker.
type Queue struct {
	jobs      repository.JobRepository
	recurring repository.RecurringJobRepository
	disp      *Dispatcher
	pool      *worker.Pool
	tick      time.Duration
	wake      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	log       *zerolog.Logger
}

func New(jobs repository.JobRepository, recurring repository.RecurringJobRepository, disp *Dispatcher, pool *worker.Pool, tick time.Duration, log *zerolog.Logger) *Queue {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Queue{
		jobs:      jobs,
		recurring: recurring,
		disp:      disp,
		pool:      pool,
		tick:      tick,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       log,
	}
}

// Enqueue inserts a pending job scheduled at now+delay. A job with no
// delay wakes the picker immediately instead of waiting out the tick.
func (q *Queue) Enqueue(ctx context.Context, typ model.JobType, payload map[string]any, opts model.JobOptions) (*model.Job, error) {
	job, err := model.NewJob(typ, payload, opts)
	if err != nil {
		return nil, err
	}
	if err := q.jobs.Save(ctx, nil, job); err != nil {
		return nil, err
	}
	metrics.IncJobEnqueued(string(typ))
	if opts.Delay <= 0 {
		q.Wake()
	}
	return job, nil
}

// EnqueueRecurring stores the spec and schedules its first occurrence one
// interval in the future.
func (q *Queue) EnqueueRecurring(ctx context.Context, typ model.JobType, payload map[string]any, interval time.Duration, priority int) (*model.RecurringJobSpec, error) {
	spec, err := model.NewRecurringJobSpec(typ, payload, interval, priority)
	if err != nil {
		return nil, err
	}
	if err := q.recurring.Save(ctx, nil, spec); err != nil {
		return nil, err
	}
	if err := q.enqueueOccurrence(ctx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// EnsureRecurring is EnqueueRecurring with a caller-chosen spec id, safe
// to call on every boot: an already-known spec is left alone so restarts
// do not stack occurrences.
func (q *Queue) EnsureRecurring(ctx context.Context, id string, typ model.JobType, payload map[string]any, interval time.Duration, priority int) (*model.RecurringJobSpec, error) {
	if existing, err := q.recurring.FindByID(ctx, nil, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	spec, err := model.NewRecurringJobSpec(typ, payload, interval, priority)
	if err != nil {
		return nil, err
	}
	spec.ID = id
	if err := q.recurring.Save(ctx, nil, spec); err != nil {
		return nil, err
	}
	if err := q.enqueueOccurrence(ctx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// RemoveRecurring deletes a spec. Occurrences already in the job table
// still run; nothing new is spawned afterwards.
func (q *Queue) RemoveRecurring(ctx context.Context, id string) error {
	err := q.recurring.Delete(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (q *Queue) enqueueOccurrence(ctx context.Context, spec *model.RecurringJobSpec) error {
	job, err := model.NewJob(spec.Type, spec.Payload, model.JobOptions{
		Priority: spec.Priority,
		Delay:    spec.Interval,
	})
	if err != nil {
		return err
	}
	job.RecurringID = spec.ID
	if err := q.jobs.Save(ctx, nil, job); err != nil {
		return err
	}
	spec.NextRunAt = job.ScheduledAt
	return q.recurring.Save(ctx, nil, spec)
}

// Cancel marks a pending or active job cancelled. Active jobs stop
// cooperatively: the handler observes the flag between records, nothing
// is pre-empted.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.jobs.CancelByID(ctx, jobID)
}

// RetryFailed is the operator recovery tool: every failed job goes back to
// pending with a fresh attempt budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n, err := q.jobs.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.Wake()
	}
	return n, nil
}

// Wake nudges the picker without waiting for the next tick. The buffered
// channel makes this safe to call from any goroutine, including handlers.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the picker loop. Call Stop (or cancel the context) to
// shut down; in-flight handlers finish on the worker pool.
func (q *Queue) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	go q.loop(ctx)
}

func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.tick)
	defer func() {
		ticker.Stop()
		close(q.done)
	}()

	q.log.Info().Dur("tick", q.tick).Msg("job queue started")
	for {
		select {
		case <-ctx.Done():
			q.log.Info().Msg("job queue stopping")
			return
		case <-ticker.C:
			q.drain(ctx)
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

// drain claims eligible jobs until the store reports none left, handing
// each one to the pool. Claiming happens here, on the picker; execution
// happens on a worker.
func (q *Queue) drain(ctx context.Context) {
	for {
		job, err := q.jobs.ClaimNext(ctx, time.Now())
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
				q.log.Error().Err(err).Msg("claim next job")
			}
			return
		}
		j := job
		if err := q.pool.Submit(ctx, func(ctx context.Context) error {
			q.execute(ctx, j)
			return nil
		}); err != nil {
			// Could not hand off (shutdown); put the claim back.
			j.Status = model.JobStatusPending
			_ = q.jobs.Save(context.Background(), nil, j)
			return
		}
	}
}

// execute races the handler against the job's timeout and applies the
// retry policy. A timed-out handler is a failure; retries keep the same
// priority and become eligible on the next poll tick.
func (q *Queue) execute(ctx context.Context, job *model.Job) {
	log := q.log.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()
	log.Debug().Int("attempt", job.Attempts+1).Msg("job started")

	start := time.Now()
	err := q.runWithTimeout(ctx, job)
	elapsed := time.Since(start)

	// Finalization must survive caller cancellation.
	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()

	if cancelled, cerr := q.jobs.IsCancelled(fctx, job.ID); cerr == nil && cancelled {
		log.Info().Msg("job cancelled during execution")
		metrics.IncJobProcessed(string(job.Type), string(model.JobStatusCancelled))
		q.afterTerminal(fctx, job)
		return
	}

	job.Attempts++
	switch {
	case err == nil:
		job.Status = model.JobStatusCompleted
		job.LastError = ""
	case job.Attempts < job.MaxAttempts && domain.IsRetryable(err):
		job.Status = model.JobStatusPending
		job.LastError = err.Error()
	default:
		job.Status = model.JobStatusFailed
		job.LastError = err.Error()
	}

	if serr := q.jobs.Save(fctx, nil, job); serr != nil {
		log.Error().Err(serr).Msg("persist job result")
	}
	metrics.IncJobProcessed(string(job.Type), string(job.Status))
	metrics.ObserveJobDuration(string(job.Type), elapsed)

	switch job.Status {
	case model.JobStatusCompleted:
		log.Info().Dur("duration", elapsed).Int("attempts", job.Attempts).Msg("job completed")
	case model.JobStatusPending:
		log.Warn().Err(err).Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("job retrying")
	default:
		log.Error().Err(err).Int("attempts", job.Attempts).Msg("job failed")
	}

	if job.Status.IsTerminal() {
		q.afterTerminal(fctx, job)
	}
}

func (q *Queue) runWithTimeout(ctx context.Context, job *model.Job) error {
	hctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.disp.dispatch(hctx, job)
	}()

	select {
	case err := <-errCh:
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return domain.Transient("job execution", fmt.Errorf("timed out after %s", job.Timeout))
		}
		return hctx.Err()
	}
}

// afterTerminal schedules the next occurrence of a recurring-origin job.
// The spec is re-read so a disable between occurrences takes effect.
func (q *Queue) afterTerminal(ctx context.Context, job *model.Job) {
	if job.RecurringID == "" {
		return
	}
	spec, err := q.recurring.FindByID(ctx, nil, job.RecurringID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			q.log.Error().Err(err).Str("recurring_id", job.RecurringID).Msg("read recurring spec")
		}
		return
	}
	if !spec.Enabled {
		return
	}
	if err := q.enqueueOccurrence(ctx, spec); err != nil {
		q.log.Error().Err(err).Str("recurring_id", spec.ID).Msg("enqueue next occurrence")
	}
}
