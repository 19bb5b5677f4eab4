package realtime

import (
	"sync"

	"promptsync/internal/domain/ports/adapter"
)

// Ring keeps the most recent change events of one subscription. Fixed
// capacity; the oldest entry is overwritten when full.
type Ring struct {
	mu   sync.Mutex
	buf  []adapter.ChangeEvent
	head int // next write position
	size int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]adapter.ChangeEvent, capacity)}
}

func (r *Ring) Append(ev adapter.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Snapshot returns the buffered events oldest-first.
func (r *Ring) Snapshot() []adapter.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]adapter.ChangeEvent, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
