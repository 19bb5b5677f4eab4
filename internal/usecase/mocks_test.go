package usecase_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/domain/ports/repository"
)

// --- Operation repository ---

type memOpsRepo struct {
	mu  sync.Mutex
	ops map[string]*model.SyncOperation
}

func newMemOpsRepo() *memOpsRepo {
	return &memOpsRepo{ops: make(map[string]*model.SyncOperation)}
}

func (r *memOpsRepo) Save(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *op
	// Store semantics: a terminal row keeps its status.
	if prev, ok := r.ops[op.ID]; ok && prev.Status.IsTerminal() {
		cp.Status = prev.Status
		cp.CompletedAt = prev.CompletedAt
	}
	r.ops[op.ID] = &cp
	return nil
}

func (r *memOpsRepo) UpdateProgress(ctx context.Context, tx repository.Tx, op *model.SyncOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.ops[op.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Progress = op.Progress
	stored.Result = op.Result
	return nil
}

func (r *memOpsRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (r *memOpsRepo) List(ctx context.Context, tx repository.Tx, connectionID string, offset, limit int) ([]*model.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SyncOperation
	for _, op := range r.ops {
		if connectionID == "" || op.ConnectionID == connectionID {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (r *memOpsRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// markCancelled flips status directly, simulating a concurrent cancel call.
func (r *memOpsRepo) markCancelled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[id]; ok {
		now := time.Now()
		op.Status = model.OperationCancelled
		op.CompletedAt = &now
	}
}

// --- Local store ---

type memLocalStore struct {
	mu      sync.Mutex
	prompts map[string]*model.Prompt // by id

	CreateFunc func(ctx context.Context, p *model.Prompt) error
}

func newMemLocalStore() *memLocalStore {
	return &memLocalStore{prompts: make(map[string]*model.Prompt)}
}

func (s *memLocalStore) add(p *model.Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.ID] = clonePrompt(p)
}

func clonePrompt(p *model.Prompt) *model.Prompt {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	if p.LastSyncAt != nil {
		t := *p.LastSyncAt
		cp.LastSyncAt = &t
	}
	if p.ArchivedAt != nil {
		t := *p.ArchivedAt
		cp.ArchivedAt = &t
	}
	return &cp
}

func (s *memLocalStore) FindByRemoteID(ctx context.Context, remoteID string) (*model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if p.RemoteID == remoteID && remoteID != "" {
			return clonePrompt(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memLocalStore) FindByName(ctx context.Context, name string) (*model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if p.Name == name && p.ArchivedAt == nil {
			return clonePrompt(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memLocalStore) List(ctx context.Context, filter model.PromptFilter, offset, limit int) ([]*model.Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*model.Prompt
	for _, p := range s.prompts {
		if p.ArchivedAt == nil && matchesFilter(p, filter) {
			all = append(all, clonePrompt(p))
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].Name < all[k].Name })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func matchesFilter(p *model.Prompt, f model.PromptFilter) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(p.Name, f.NamePrefix) {
		return false
	}
	if f.ModifiedAfter != nil && !p.UpdatedAt.After(*f.ModifiedAfter) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, t := range p.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *memLocalStore) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	all, err := s.List(ctx, filter, 0, 1<<30)
	return len(all), err
}

func (s *memLocalStore) Create(ctx context.Context, p *model.Prompt) error {
	if s.CreateFunc != nil {
		if err := s.CreateFunc(ctx, p); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.ID] = clonePrompt(p)
	return nil
}

func (s *memLocalStore) Update(ctx context.Context, p *model.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.prompts[p.ID] = clonePrompt(p)
	return nil
}

func (s *memLocalStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prompts[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	p.ArchivedAt = &now
	return nil
}

func (s *memLocalStore) get(id string) *model.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prompts[id]; ok {
		return clonePrompt(p)
	}
	return nil
}

func (s *memLocalStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// --- Remote store ---

// fakeRemote serves records from a slice and records pushes. Func fields
// allow per-test overrides.
type fakeRemote struct {
	mu      sync.Mutex
	records []model.RemoteRecord
	pushed  [][]model.RemoteRecord

	FetchBatchFunc func(ctx context.Context, filter model.PromptFilter, offset, limit int) (adapter.FetchPage, error)
	PushBatchFunc  func(ctx context.Context, records []model.RemoteRecord) (adapter.PushResult, error)
}

func (f *fakeRemote) Handshake(ctx context.Context) (model.Capabilities, error) {
	return model.Capabilities{Realtime: true}, nil
}

func (f *fakeRemote) Count(ctx context.Context, filter model.PromptFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *fakeRemote) FetchBatch(ctx context.Context, filter model.PromptFilter, offset, limit int) (adapter.FetchPage, error) {
	if f.FetchBatchFunc != nil {
		return f.FetchBatchFunc(ctx, filter, offset, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.records) {
		return adapter.FetchPage{Total: len(f.records)}, nil
	}
	end := offset + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	page := append([]model.RemoteRecord(nil), f.records[offset:end]...)
	return adapter.FetchPage{Records: page, Total: len(f.records)}, nil
}

func (f *fakeRemote) FetchByIDs(ctx context.Context, ids []string) ([]model.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RemoteRecord
	for _, id := range ids {
		for _, r := range f.records {
			if r.ID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeRemote) PushBatch(ctx context.Context, records []model.RemoteRecord) (adapter.PushResult, error) {
	if f.PushBatchFunc != nil {
		return f.PushBatchFunc(ctx, records)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, records)
	res := adapter.PushResult{}
	for _, r := range records {
		acc := r
		if acc.ID == "" {
			acc.ID = "remote-" + r.Name // remote-assigned id for inserts
		}
		acc.Version++
		res.Accepted = append(res.Accepted, acc)
		// Mirror the upsert on the fake's record set.
		replaced := false
		for i := range f.records {
			if f.records[i].ID == acc.ID {
				f.records[i] = acc
				replaced = true
				break
			}
		}
		if !replaced {
			f.records = append(f.records, acc)
		}
	}
	return res, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, table string, filter model.PromptFilter) (adapter.SubscriptionHandle, error) {
	return nil, domain.ErrRealtimeUnsupported
}

func (f *fakeRemote) Close() error { return nil }

// upsertsAndInserts counts pushed records that already carried a remote id
// versus fresh inserts.
func (f *fakeRemote) upsertsAndInserts() (updates, inserts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, batch := range f.pushed {
		for _, r := range batch {
			if r.ID != "" {
				updates++
			} else {
				inserts++
			}
		}
	}
	return
}

// --- Connection provider / notifier / job enqueuer ---

type fakeConns struct {
	remote *fakeRemote
	conn   *model.SyncConnection
}

func (f *fakeConns) Remote(id string) (adapter.RemoteStore, *model.SyncConnection, error) {
	if f.conn == nil || f.conn.ID != id {
		return nil, nil, domain.ErrConnectionNotFound
	}
	return f.remote, f.conn, nil
}

func (f *fakeConns) Acquire(ctx context.Context, id string) (func(), error) {
	return func() {}, nil
}

func (f *fakeConns) MarkSynced(id string, t time.Time) {}
func (f *fakeConns) ReportError(id string)             {}

type fakeNotifier struct {
	mu     sync.Mutex
	events []model.Progress
}

func (n *fakeNotifier) Notify(operationID string, p model.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, p)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type fakeJobs struct {
	mu        sync.Mutex
	enqueued  []*model.Job
	cancelled []string
}

func (f *fakeJobs) Enqueue(ctx context.Context, typ model.JobType, payload map[string]any, opts model.JobOptions) (*model.Job, error) {
	job, err := model.NewJob(typ, payload, opts)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return job, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}
