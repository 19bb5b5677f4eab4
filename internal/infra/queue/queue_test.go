package queue_test

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/repository"
	"promptsync/internal/infra/queue"
	"promptsync/internal/infra/worker"

	"github.com/rs/zerolog"
)

// memJobRepo is an in-memory JobRepository with the same claim semantics
// as the Postgres implementation: highest priority first, earliest
// scheduledAt among ties, single conditional pending->active flip.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func (r *memJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *memJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *memJobRepo) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var eligible []*model.Job
	for _, j := range r.jobs {
		if j.Status == model.JobStatusPending && !j.ScheduledAt.After(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(eligible, func(i, k int) bool {
		if eligible[i].Priority != eligible[k].Priority {
			return eligible[i].Priority > eligible[k].Priority
		}
		return eligible[i].ScheduledAt.Before(eligible[k].ScheduledAt)
	})
	picked := eligible[0]
	picked.Status = model.JobStatusActive
	cp := *picked
	return &cp, nil
}

func (r *memJobRepo) CancelByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != model.JobStatusPending && j.Status != model.JobStatusActive {
		return domain.ErrJobNotCancellable
	}
	j.Status = model.JobStatusCancelled
	return nil
}

func (r *memJobRepo) IsCancelled(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	return j.Status == model.JobStatusCancelled, nil
}

func (r *memJobRepo) ResetFailed(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Status == model.JobStatusFailed {
			j.Status = model.JobStatusPending
			j.Attempts = 0
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *memJobRepo) status(id string) model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return j.Status
	}
	return ""
}

func (r *memJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type memRecurringRepo struct {
	mu    sync.Mutex
	specs map[string]*model.RecurringJobSpec
}

func newMemRecurringRepo() *memRecurringRepo {
	return &memRecurringRepo{specs: make(map[string]*model.RecurringJobSpec)}
}

func (r *memRecurringRepo) Save(ctx context.Context, tx repository.Tx, spec *model.RecurringJobSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *spec
	r.specs[spec.ID] = &cp
	return nil
}

func (r *memRecurringRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.RecurringJobSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRecurringRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Enabled = enabled
	return nil
}

func (r *memRecurringRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, id)
	return nil
}

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

// startQueue wires a queue with a fast tick onto fresh in-memory stores.
func startQueue(t *testing.T, disp *queue.Dispatcher) (*queue.Queue, *memJobRepo, *memRecurringRepo) {
	t.Helper()
	jobs := newMemJobRepo()
	recurring := newMemRecurringRepo()
	log := newTestLogger()
	pool := worker.NewPool(2, log)
	q := queue.New(jobs, recurring, disp, pool, 10*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	q.Start(ctx)
	t.Cleanup(func() {
		q.Stop()
		cancel()
		pool.Stop()
	})
	return q, jobs, recurring
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueuePriorityOrder(t *testing.T) {
	// --- Arrange ---
	var mu sync.Mutex
	var order []string
	disp := queue.NewDispatcher()
	disp.Register("order-check", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		order = append(order, job.Payload["name"].(string))
		mu.Unlock()
		return nil
	})
	jobs := newMemJobRepo()
	recurring := newMemRecurringRepo()
	log := newTestLogger()
	// Single worker so execution order mirrors claim order.
	pool := worker.NewPool(1, log)
	q := queue.New(jobs, recurring, disp, pool, 10*time.Millisecond, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Act ---
	// Enqueue before starting the picker so both are eligible on the
	// first pass regardless of enqueue order.
	a, err := q.Enqueue(ctx, "order-check", map[string]any{"name": "A"}, model.JobOptions{Priority: 5})
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	b, err := q.Enqueue(ctx, "order-check", map[string]any{"name": "B"}, model.JobOptions{Priority: 10})
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	pool.Start(ctx)
	q.Start(ctx)
	defer func() { q.Stop(); pool.Stop() }()

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(a.ID) == model.JobStatusCompleted && jobs.status(b.ID) == model.JobStatusCompleted
	})

	// --- Assert ---
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Errorf("expected processing order [B A], got %v", order)
	}
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	disp := queue.NewDispatcher()
	disp.Register("flaky", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return domain.Transient("flaky", errors.New("remote hiccup"))
		}
		return nil
	})
	q, jobs, _ := startQueue(t, disp)

	job, err := q.Enqueue(context.Background(), "flaky", nil, model.JobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusCompleted
	})

	got, _ := jobs.FindByID(context.Background(), nil, job.ID)
	if got.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", got.Attempts)
	}
}

func TestQueueFailsAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	disp := queue.NewDispatcher()
	disp.Register("doomed", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return domain.Transient("doomed", errors.New("still broken"))
	})
	q, jobs, _ := startQueue(t, disp)

	job, err := q.Enqueue(context.Background(), "doomed", nil, model.JobOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusFailed
	})

	// Give the queue a few more ticks to prove it does not re-attempt.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestQueueValidationErrorNeverRetried(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	disp := queue.NewDispatcher()
	disp.Register("bad-config", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return &domain.ValidationError{Field: "direction", Msg: "unknown"}
	})
	q, jobs, _ := startQueue(t, disp)

	job, _ := q.Enqueue(context.Background(), "bad-config", nil, model.JobOptions{MaxAttempts: 5})

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusFailed
	})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("validation failure must fail immediately, got %d attempts", attempts)
	}
}

func TestQueueTimeoutIsFailure(t *testing.T) {
	disp := queue.NewDispatcher()
	disp.Register("slow", func(ctx context.Context, job *model.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	q, jobs, _ := startQueue(t, disp)

	job, _ := q.Enqueue(context.Background(), "slow", nil, model.JobOptions{
		MaxAttempts: 1,
		Timeout:     20 * time.Millisecond,
	})

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusFailed
	})

	got, _ := jobs.FindByID(context.Background(), nil, job.ID)
	if got.LastError == "" {
		t.Error("expected timeout recorded in lastError")
	}
}

func TestQueueCancelPendingJob(t *testing.T) {
	disp := queue.NewDispatcher()
	executed := make(chan struct{}, 1)
	disp.Register("later", func(ctx context.Context, job *model.Job) error {
		executed <- struct{}{}
		return nil
	})
	q, jobs, _ := startQueue(t, disp)

	job, _ := q.Enqueue(context.Background(), "later", nil, model.JobOptions{Delay: time.Hour})
	if err := q.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := jobs.status(job.ID); got != model.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", got)
	}
	select {
	case <-executed:
		t.Error("cancelled job must not execute")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueueRetryFailedResetsJobs(t *testing.T) {
	var mu sync.Mutex
	fail := true
	disp := queue.NewDispatcher()
	disp.Register("recoverable", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			return domain.Transient("recoverable", errors.New("down"))
		}
		return nil
	})
	q, jobs, _ := startQueue(t, disp)

	job, _ := q.Enqueue(context.Background(), "recoverable", nil, model.JobOptions{MaxAttempts: 1})
	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusFailed
	})

	mu.Lock()
	fail = false
	mu.Unlock()
	n, err := q.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retryFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 job reset, got %d", n)
	}

	waitFor(t, 2*time.Second, func() bool {
		return jobs.status(job.ID) == model.JobStatusCompleted
	})
}

func TestQueueRecurringReEnqueues(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	disp := queue.NewDispatcher()
	disp.Register("tick", func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	q, jobs, recurring := startQueue(t, disp)

	spec, err := q.EnqueueRecurring(context.Background(), "tick", nil, 20*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("enqueueRecurring: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	})

	// Disabling stops future occurrences (already-queued ones may still run).
	if err := recurring.SetEnabled(context.Background(), spec.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the in-flight occurrence drain
	mu.Lock()
	after := runs
	mu.Unlock()
	time.Sleep(100 * time.Millisecond) // several intervals with the spec disabled
	mu.Lock()
	if runs > after+1 {
		t.Errorf("disabled spec kept spawning jobs: %d runs after disable mark %d", runs, after)
	}
	mu.Unlock()

	if jobs.count() == 0 {
		t.Error("expected terminal jobs retained until cleanup")
	}
}
