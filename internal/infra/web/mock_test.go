package web_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/domain/ports/repository"
)

// ---- operation repository ----

type memOps struct {
	mu  sync.Mutex
	ops map[string]*model.SyncOperation
}

func newMemOps() *memOps { return &memOps{ops: make(map[string]*model.SyncOperation)} }

func (m *memOps) Save(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *memOps) UpdateProgress(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.ops[op.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Progress = op.Progress
	stored.Result = op.Result
	return nil
}

func (m *memOps) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SyncOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *memOps) List(ctx context.Context, tx repository.Tx, connectionID string, offset, limit int) ([]*model.SyncOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SyncOperation
	for _, op := range m.ops {
		if connectionID != "" && op.ConnectionID != connectionID {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOps) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// ---- local store ----

type memLocal struct {
	mu      sync.Mutex
	prompts []*model.Prompt
}

func (m *memLocal) FindByRemoteID(ctx context.Context, remoteID string) (*model.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if p.RemoteID == remoteID && remoteID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memLocal) FindByName(ctx context.Context, name string) (*model.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if p.Name == name && p.ArchivedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memLocal) List(ctx context.Context, filter model.PromptFilter, offset, limit int) ([]*model.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Prompt
	for _, p := range m.prompts {
		cp := *p
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLocal) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts), nil
}

func (m *memLocal) Create(ctx context.Context, p *model.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.prompts = append(m.prompts, &cp)
	return nil
}

func (m *memLocal) Update(ctx context.Context, p *model.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.prompts {
		if m.prompts[i].ID == p.ID {
			cp := *p
			m.prompts[i] = &cp
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memLocal) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if p.ID == id {
			now := time.Now()
			p.ArchivedAt = &now
			return nil
		}
	}
	return domain.ErrNotFound
}

// ---- jobs: enqueuer plus repository ----

type stubJobs struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	cancelled  []string
	resetCount int
}

func newStubJobs() *stubJobs { return &stubJobs{jobs: make(map[string]*model.Job)} }

func (s *stubJobs) Enqueue(ctx context.Context, typ model.JobType, payload map[string]any, opts model.JobOptions) (*model.Job, error) {
	job, err := model.NewJob(typ, payload, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job, nil
}

func (s *stubJobs) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, jobID)
	s.mu.Unlock()
	return nil
}

func (s *stubJobs) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return nil
}

func (s *stubJobs) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (s *stubJobs) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	return nil, domain.ErrNotFound
}

func (s *stubJobs) CancelByID(ctx context.Context, id string) error {
	return s.Cancel(ctx, id)
}

func (s *stubJobs) IsCancelled(ctx context.Context, id string) (bool, error) { return false, nil }

func (s *stubJobs) ResetFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCount, nil
}

func (s *stubJobs) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// ---- remote adapter ----

type stubHandle struct {
	events chan adapter.ChangeEvent
	once   sync.Once
}

func newStubHandle() *stubHandle {
	return &stubHandle{events: make(chan adapter.ChangeEvent)}
}

func (h *stubHandle) Events() <-chan adapter.ChangeEvent { return h.events }
func (h *stubHandle) Err() error                         { return nil }
func (h *stubHandle) Close() error {
	h.once.Do(func() { close(h.events) })
	return nil
}

type stubRemote struct {
	caps model.Capabilities
}

func (s *stubRemote) Handshake(ctx context.Context) (model.Capabilities, error) {
	return s.caps, nil
}

func (s *stubRemote) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	return 0, nil
}

func (s *stubRemote) FetchBatch(ctx context.Context, filter model.PromptFilter, offset, limit int) (adapter.FetchPage, error) {
	return adapter.FetchPage{}, nil
}

func (s *stubRemote) FetchByIDs(ctx context.Context, ids []string) ([]model.RemoteRecord, error) {
	return nil, nil
}

func (s *stubRemote) PushBatch(ctx context.Context, records []model.RemoteRecord) (adapter.PushResult, error) {
	return adapter.PushResult{}, nil
}

func (s *stubRemote) Subscribe(ctx context.Context, table string, filter model.PromptFilter) (adapter.SubscriptionHandle, error) {
	if !s.caps.Realtime {
		return nil, domain.ErrRealtimeUnsupported
	}
	return newStubHandle(), nil
}

func (s *stubRemote) Close() error { return nil }

// ---- recurring scheduler ----

type stubScheduler struct {
	mu      sync.Mutex
	specs   map[string]*model.RecurringJobSpec
	removed []string
}

func newStubScheduler() *stubScheduler {
	return &stubScheduler{specs: make(map[string]*model.RecurringJobSpec)}
}

func (s *stubScheduler) EnsureRecurring(ctx context.Context, id string, typ model.JobType, payload map[string]any, interval time.Duration, priority int) (*model.RecurringJobSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.specs[id]; ok {
		return existing, nil
	}
	spec, err := model.NewRecurringJobSpec(typ, payload, interval, priority)
	if err != nil {
		return nil, err
	}
	spec.ID = id
	s.specs[id] = spec
	return spec, nil
}

func (s *stubScheduler) RemoveRecurring(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, id)
	s.removed = append(s.removed, id)
	return nil
}

// ---- redis locker ----

type stubLocker struct{}

func (stubLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "tok", nil
}

func (stubLocker) Unlock(ctx context.Context, key, token string) error { return nil }
