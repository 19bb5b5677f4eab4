package notify

import (
	"sync"

	"promptsync/internal/domain/model"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 16

// Broadcaster fans operation progress out to any number of subscribers.
// Notify never blocks: a subscriber that stops draining loses events, not
// the sync loop.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[int]chan model.Progress
	next int
	log  *zerolog.Logger
}

func NewBroadcaster(log *zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[int]chan model.Progress),
		log:  log,
	}
}

// Notify implements usecase.ProgressNotifier.
func (b *Broadcaster) Notify(operationID string, p model.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[operationID] {
		select {
		case ch <- p:
		default:
			// Slow consumer; it catches up from the operation record.
			b.log.Debug().Str("operation_id", operationID).Msg("progress event dropped")
		}
	}
}

// Subscribe registers for progress events of one operation. The returned
// cancel func must be called to release the channel.
func (b *Broadcaster) Subscribe(operationID string) (<-chan model.Progress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[operationID] == nil {
		b.subs[operationID] = make(map[int]chan model.Progress)
	}
	id := b.next
	b.next++
	ch := make(chan model.Progress, subscriberBuffer)
	b.subs[operationID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[operationID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, operationID)
			}
		}
	}
	return ch, cancel
}
