// Package events is the in-process fan-out for fleet state changes.
// Publishers never block on subscribers: channels are buffered and sends
// drop on full, so a slow websocket client cannot stall a state transition.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/internal/models"
)

// Class partitions the event stream by consumer interest.
type Class string

const (
	// ClassMetrics carries fleet metrics snapshots.
	ClassMetrics Class = "metrics"
	// ClassRecordings carries recording job lifecycle changes.
	ClassRecordings Class = "recordings"
	// ClassScaling carries scaling recommendations and alert changes.
	ClassScaling Class = "scaling"
)

// Event is one published state change.
type Event struct {
	ID        string    `json:"id"`
	Class     Class     `json:"class"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// defaultBuffer is the per-subscriber channel depth.
const defaultBuffer = 64

// Subscription is one subscriber's handle on the bus. Receive from C;
// Close when done. The channel is closed on Close and never by the bus.
type Subscription struct {
	C <-chan Event

	id    string
	class Class
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.class, s.id)
		close(s.ch)
	})
}

// Bus fans events out to class subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Class]map[string]*Subscription
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With(slog.String("component", "event-bus")),
		subs:   make(map[Class]map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber for a class. Buffer <= 0 uses the
// default depth.
func (b *Bus) Subscribe(class Class, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:     ch,
		id:    models.NewULID().String(),
		class: class,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	if b.subs[class] == nil {
		b.subs[class] = make(map[string]*Subscription)
	}
	b.subs[class][sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		slog.String("class", string(class)),
		slog.String("subscriber_id", sub.id),
	)
	return sub
}

// Publish delivers an event to every subscriber of its class. Sends are
// non-blocking; a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(class Class, eventType string, payload any) Event {
	event := Event{
		ID:        models.NewULID().String(),
		Class:     class,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs[class] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				slog.String("class", string(class)),
				slog.String("type", eventType),
				slog.String("subscriber_id", id),
			)
		}
	}
	return event
}

// SubscriberCount returns the number of subscribers for a class.
func (b *Bus) SubscriberCount(class Class) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[class])
}

func (b *Bus) remove(class Class, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[class]; ok {
		delete(subs, id)
	}
}
