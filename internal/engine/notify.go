package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/subathon/internal/ir"
)

// Notifier receives engine notifications after each commit or rejection.
// Implementations must not block; the engine calls them synchronously
// after releasing the run lock.
type Notifier interface {
	StateChanged(state ir.SubathonState, at time.Time)
	EventApplied(rec ir.EventRecord, applied bool)
	EventReversed(rec ir.EventRecord)
}

// NotificationType distinguishes hub notifications.
type NotificationType string

const (
	NotifyStateChanged  NotificationType = "state_changed"
	NotifyEventApplied  NotificationType = "event_applied"
	NotifyEventRejected NotificationType = "event_rejected"
	NotifyEventReversed NotificationType = "event_reversed"
)

// Notification is what Hub subscribers receive.
type Notification struct {
	Type   NotificationType  `json:"type"`
	At     time.Time         `json:"at"`
	State  *ir.SubathonState `json:"state,omitempty"`
	Record *ir.EventRecord   `json:"record,omitempty"`
}

// DefaultSubscriberBuffer is the channel buffer used when Subscribe is
// called with a non-positive size.
const DefaultSubscriberBuffer = 16

// Hub fans notifications out to subscribers. Delivery is fire-and-forget:
// a subscriber whose buffer is full misses the notification.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	next    int
	dropped int64
	logger  *slog.Logger
}

// NewHub creates a hub with no subscribers.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[int]chan Notification), logger: logger}
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many notifications were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) publish(n Notification) {
	h.mu.RLock()
	var dropped int64
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
		h.logger.Debug("notification dropped",
			"event", "notification_dropped",
			"type", n.Type,
			"subscribers", dropped,
		)
	}
}

// StateChanged implements Notifier.
func (h *Hub) StateChanged(state ir.SubathonState, at time.Time) {
	h.publish(Notification{Type: NotifyStateChanged, At: at, State: &state})
}

// EventApplied implements Notifier.
func (h *Hub) EventApplied(rec ir.EventRecord, applied bool) {
	typ := NotifyEventApplied
	if !applied {
		typ = NotifyEventRejected
	}
	h.publish(Notification{Type: typ, At: rec.AppliedAt, Record: &rec})
}

// EventReversed implements Notifier.
func (h *Hub) EventReversed(rec ir.EventRecord) {
	h.publish(Notification{Type: NotifyEventReversed, At: rec.AppliedAt, Record: &rec})
}

// notifiers fans out to every registered Notifier in order.
type notifiers []Notifier

func (ns notifiers) StateChanged(state ir.SubathonState, at time.Time) {
	for _, n := range ns {
		n.StateChanged(state, at)
	}
}

func (ns notifiers) EventApplied(rec ir.EventRecord, applied bool) {
	for _, n := range ns {
		n.EventApplied(rec, applied)
	}
}

func (ns notifiers) EventReversed(rec ir.EventRecord) {
	for _, n := range ns {
		n.EventReversed(rec)
	}
}
