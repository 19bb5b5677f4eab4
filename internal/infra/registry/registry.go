package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	red "promptsync/internal/infra/redis"

	"github.com/rs/zerolog"
)

// AdapterFactory builds a live RemoteStore for a validated connection.
type AdapterFactory func(conn *model.SyncConnection) (adapter.RemoteStore, error)

// errorThreshold deactivates a connection after this many consecutive
// operation failures; a successful sync resets the count.
const errorThreshold = 5

const lockTTL = 30 * time.Minute

type entry struct {
	conn   *model.SyncConnection
	store  adapter.RemoteStore
	errors int
}

// Registry is the in-memory connection table. Connection handles live for
// the process lifetime; remotes re-register after a restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	factory AdapterFactory
	locker  red.Locker
	log     *zerolog.Logger
}

func New(factory AdapterFactory, locker red.Locker, log *zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		locker:  locker,
		log:     log,
	}
}

// Register validates the connection against the live remote via handshake
// and stores the handle. The handshake result fills Capabilities.
func (r *Registry) Register(ctx context.Context, conn *model.SyncConnection) (*model.SyncConnection, error) {
	store, err := r.factory(conn)
	if err != nil {
		return nil, err
	}
	caps, err := store.Handshake(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	conn.Capabilities = caps

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.conn.Name == conn.Name {
			_ = store.Close()
			return nil, domain.ErrAlreadyExists
		}
	}
	r.entries[conn.ID] = &entry{conn: conn, store: store}
	r.log.Info().Str("connection_id", conn.ID).Str("kind", string(conn.Kind)).
		Bool("realtime", caps.Realtime).Msg("connection registered")
	return conn, nil
}

func (r *Registry) Remote(id string) (adapter.RemoteStore, *model.SyncConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, domain.ErrConnectionNotFound
	}
	if !e.conn.Active {
		return nil, nil, domain.ErrConnectionClosed
	}
	return e.store, e.conn, nil
}

func (r *Registry) Get(id string) (*model.SyncConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return e.conn, nil
}

func (r *Registry) List() []*model.SyncConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.SyncConnection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Acquire takes the distributed per-connection lock so two operations
// never run against the same remote concurrently.
func (r *Registry) Acquire(ctx context.Context, id string) (func(), error) {
	key := red.ConnectionLockKey(id)
	token, err := r.locker.TryLock(ctx, key, lockTTL)
	if err != nil {
		return nil, domain.Transient("acquire connection lock", err)
	}
	return func() {
		if err := r.locker.Unlock(context.Background(), key, token); err != nil {
			r.log.Warn().Err(err).Str("connection_id", id).Msg("failed to release connection lock")
		}
	}, nil
}

func (r *Registry) MarkSynced(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.conn.LastSyncAt = &t
		e.errors = 0
	}
}

// ReportError counts consecutive failures; past the threshold the
// connection is deactivated until an operator re-registers it.
func (r *Registry) ReportError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.errors++
	if e.errors >= errorThreshold && e.conn.Active {
		e.conn.Active = false
		r.log.Warn().Str("connection_id", id).Int("errors", e.errors).
			Msg("connection deactivated after repeated failures")
	}
}

// Unregister closes the adapter and drops the handle.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	delete(r.entries, id)
	return e.store.Close()
}

// Close tears down every adapter. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if err := e.store.Close(); err != nil {
			r.log.Warn().Err(err).Str("connection_id", id).Msg("adapter close failed")
		}
		delete(r.entries, id)
	}
}
