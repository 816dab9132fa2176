package syncer

import (
	"context"
	"sync"

	"github.com/smallbiznis/adminis/internal/account/domain"
)

const DefaultSubscriberBuffer = 16

// Hub fans cycle events out to subscribers. Slow subscribers miss events
// instead of stalling the coordinator.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan domain.Event
	nextID uint64
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan domain.Event)}
}

// Subscribe registers a listener until ctx is done or cancel is called.
func (h *Hub) Subscribe(ctx context.Context, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan domain.Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.unsubscribe(id) })
	}
	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}
}

func (h *Hub) Publish(event domain.Event) (delivered, dropped int) {
	if h == nil {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}
