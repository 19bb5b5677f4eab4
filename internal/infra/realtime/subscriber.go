package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/domain/ports/adapter"
	"promptsync/internal/infra/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// Applier routes one change event into the local store. Implemented by
// the sync orchestrator so realtime and batch sync share one path.
type Applier interface {
	ApplyRemoteChange(ctx context.Context, conn *model.SyncConnection, ev adapter.ChangeEvent) (string, error)
}

const (
	defaultRingCapacity = 512
	// Consecutive failed reconnects before a subscription gives up.
	maxReconnects = 10
)

// Manager owns the live realtime subscriptions, one per connection/table.
type Manager struct {
	applier Applier
	log     *zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	gaugeSet func(status string, n int)
}

func NewManager(applier Applier, log *zerolog.Logger) *Manager {
	return &Manager{
		applier:  applier,
		log:      log,
		subs:     make(map[string]*Subscription),
		gaugeSet: metrics.SetRealtimeSubscriptions,
	}
}

var gaugeStatuses = [...]Status{StatusConnecting, StatusConnected, StatusDisconnected, StatusError, StatusClosed}

// publishGauge pushes the per-status subscription counts, zeroing statuses
// no subscription currently holds.
func (m *Manager) publishGauge() {
	m.mu.Lock()
	counts := make(map[Status]int, len(gaugeStatuses))
	for _, s := range m.subs {
		counts[s.Status()]++
	}
	m.mu.Unlock()
	for _, st := range gaugeStatuses {
		m.gaugeSet(string(st), counts[st])
	}
}

// Subscribe starts a subscription on the given table. The returned handle
// reports status and buffers recent events; event processing is
// synchronous per subscription so arrival order is preserved.
func (m *Manager) Subscribe(remote adapter.RemoteStore, conn *model.SyncConnection, table string) (*Subscription, error) {
	if !conn.Capabilities.Realtime {
		return nil, domain.ErrRealtimeUnsupported
	}
	key := conn.ID + "/" + table
	defer m.publishGauge()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[key]; ok {
		return nil, domain.ErrAlreadyExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := m.log.With().Str("connection_id", conn.ID).Str("table", table).Logger()
	sub := &Subscription{
		key:      key,
		conn:     conn,
		remote:   remote,
		table:    table,
		ring:     NewRing(defaultRingCapacity),
		status:   StatusConnecting,
		onStatus: m.publishGauge,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.subs[key] = sub

	go sub.run(ctx, m.applier, &log)
	return sub, nil
}

func (m *Manager) Get(connectionID, table string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[connectionID+"/"+table]
	return sub, ok
}

func (m *Manager) List() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

// Unsubscribe stops one subscription and waits for its loop to exit.
func (m *Manager) Unsubscribe(connectionID, table string) error {
	key := connectionID + "/" + table
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	sub.stop()
	m.publishGauge()
	return nil
}

// Close tears down every subscription. Used at shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for k, s := range m.subs {
		subs = append(subs, s)
		delete(m.subs, k)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	m.publishGauge()
}

// Subscription is one live realtime channel with automatic reconnection.
type Subscription struct {
	key    string
	conn   *model.SyncConnection
	remote adapter.RemoteStore
	table  string
	ring   *Ring

	mu         sync.Mutex
	status     Status
	errorCount int
	lastErr    error

	// Set by the owning Manager; invoked after every status change.
	onStatus func()

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) ConnectionID() string { return s.conn.ID }
func (s *Subscription) Table() string        { return s.table }

func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ErrorCount reports consecutive reconnect failures; a successful connect
// resets it.
func (s *Subscription) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

func (s *Subscription) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Recent returns the buffered events oldest-first.
func (s *Subscription) Recent() []adapter.ChangeEvent {
	return s.ring.Snapshot()
}

func (s *Subscription) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus()
	}
}

func (s *Subscription) recordFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	s.lastErr = err
	return s.errorCount
}

func (s *Subscription) resetFailures() {
	s.mu.Lock()
	s.errorCount = 0
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Subscription) stop() {
	s.cancel()
	<-s.done
}

// run is the subscription lifecycle: dial, consume, reconnect with
// exponential backoff, give up after maxReconnects consecutive failures.
func (s *Subscription) run(ctx context.Context, applier Applier, log *zerolog.Logger) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute

	for {
		if ctx.Err() != nil {
			s.setStatus(StatusClosed)
			return
		}
		s.setStatus(StatusConnecting)

		handle, err := s.remote.Subscribe(ctx, s.table, model.PromptFilter{})
		if err != nil {
			var ae *domain.AuthorizationError
			if errors.As(err, &ae) || errors.Is(err, domain.ErrRealtimeUnsupported) {
				// Not recoverable by retrying.
				s.recordFailure(err)
				s.setStatus(StatusError)
				log.Error().Err(err).Msg("realtime subscription failed permanently")
				return
			}
			if n := s.recordFailure(err); n >= maxReconnects {
				s.setStatus(StatusError)
				log.Error().Err(err).Int("attempts", n).Msg("realtime subscription gave up")
				return
			}
			metrics.IncRealtimeReconnect(s.table)
			log.Warn().Err(err).Msg("realtime dial failed, backing off")
			if !sleepCtx(ctx, bo.NextBackOff()) {
				s.setStatus(StatusClosed)
				return
			}
			continue
		}

		s.setStatus(StatusConnected)
		s.resetFailures()
		bo.Reset()
		log.Info().Msg("realtime subscription connected")

		s.consume(ctx, handle, applier, log)
		_ = handle.Close()

		if ctx.Err() != nil {
			s.setStatus(StatusClosed)
			return
		}
		s.setStatus(StatusDisconnected)
		metrics.IncRealtimeReconnect(s.table)
		if err := handle.Err(); err != nil {
			log.Warn().Err(err).Msg("realtime stream dropped, reconnecting")
		}
		if !sleepCtx(ctx, bo.NextBackOff()) {
			s.setStatus(StatusClosed)
			return
		}
	}
}

// consume drains the handle until the stream ends. Events are applied one
// at a time; an apply failure is logged and the stream moves on, the
// record will reconcile on the next batch sync.
func (s *Subscription) consume(ctx context.Context, handle adapter.SubscriptionHandle, applier Applier, log *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-handle.Events():
			if !ok {
				return
			}
			s.ring.Append(ev)
			outcome, err := applier.ApplyRemoteChange(ctx, s.conn, ev)
			if err != nil {
				metrics.IncRealtimeEvent(string(ev.Kind), "error")
				log.Error().Err(err).Str("record_id", ev.Record.ID).Msg("failed to apply realtime event")
				continue
			}
			metrics.IncRealtimeEvent(string(ev.Kind), outcome)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
