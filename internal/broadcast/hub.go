package broadcast

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nearme/nearme/internal/metrics"
	"github.com/nearme/nearme/internal/presence"
)

// Event names on the wire
const (
	EventFull   = "presence:full"
	EventUpdate = "presence:update"
	EventRemove = "presence:remove"
)

// DefaultSendBuffer is the per-subscriber queue length
const DefaultSendBuffer = 256

// Event is a single frame pushed to observers
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RemovePayload carries only the retired id
type RemovePayload struct {
	ID string `json:"id"`
}

// Subscriber is one observer's handle on the hub. Events is closed when the
// subscriber is unsubscribed, dropped for falling behind, or the hub closes.
type Subscriber struct {
	id   uint64
	send chan Event
}

// ID returns the subscriber's registration order
func (s *Subscriber) ID() uint64 {
	return s.id
}

// Events returns the subscriber's event stream
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// Hub is the registry of connected observers. It implements
// presence.Publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64
	bufferSize  int
	closed      bool
	logger      *zap.Logger
}

// NewHub creates a hub whose subscribers buffer up to bufferSize events
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[uint64]*Subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers a new observer. Only events published after this call
// are delivered to it. On a closed hub the returned subscriber's stream is
// already closed.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		id:   h.nextID,
		send: make(chan Event, h.bufferSize),
	}
	if h.closed {
		close(sub.send)
		return sub
	}

	h.subscribers[sub.id] = sub
	metrics.SetObservers(len(h.subscribers))
	h.logger.Info("Presence observer connected",
		zap.Uint64("subscriber_id", sub.id),
		zap.Int("total_subscribers", len(h.subscribers)))
	return sub
}

// Unsubscribe removes an observer and closes its stream. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.id]; !ok {
		return
	}
	delete(h.subscribers, sub.id)
	close(sub.send)
	metrics.SetObservers(len(h.subscribers))
	h.logger.Info("Presence observer disconnected",
		zap.Uint64("subscriber_id", sub.id),
		zap.Int("total_subscribers", len(h.subscribers)))
}

// Publish delivers event to every current subscriber without blocking.
// A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	metrics.RecordEvent(event.Type)

	ids := make([]uint64, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sub := h.subscribers[id]
		select {
		case sub.send <- event:
		default:
			delete(h.subscribers, id)
			close(sub.send)
			metrics.RecordDroppedObserver()
			metrics.SetObservers(len(h.subscribers))
			h.logger.Warn("Dropping slow presence observer",
				zap.Uint64("subscriber_id", id),
				zap.String("event", event.Type))
		}
	}
}

// PublishUpdate broadcasts the full record to every observer
func (h *Hub) PublishUpdate(user *presence.LiveUser) {
	h.Publish(Event{Type: EventUpdate, Data: user})
}

// PublishRemove broadcasts a retirement carrying only the id
func (h *Hub) PublishRemove(id string) {
	h.Publish(Event{Type: EventRemove, Data: RemovePayload{ID: id}})
}

// Count returns the number of connected observers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every observer. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, sub := range h.subscribers {
		close(sub.send)
		delete(h.subscribers, id)
	}
	metrics.SetObservers(0)
	h.logger.Info("Presence hub stopped")
}
