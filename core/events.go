package core

import (
	"sync"
	"time"
)

// Event is the envelope delivered over the in-process bus. Payload is
// intentionally untyped: subscribers type-assert based on Type, the way the
// event names in spec.md §6 (routing_decision, agent_quarantined, ...) are
// documented as contracts, not structs.
type Event struct {
	Type      string
	Payload   interface{}
	Timestamp time.Time
}

// Well-known event types published by the runtime's components.
const (
	EventRoutingDecision           = "routing_decision"
	EventRoutingSlow               = "routing_slow"
	EventModelAvailabilityChanged  = "model_availability_changed"
	EventFallbackTriggered         = "fallback_triggered"
	EventCacheHit                  = "cache_hit"
	EventCacheMiss                 = "cache_miss"
	EventCacheEvict                = "cache_evict"
	EventOperationCompleted        = "operation_completed"
	EventOperationFailed           = "operation_failed"
	EventMaliciousBehaviorDetected = "malicious_behavior_detected"
	EventAgentQuarantined          = "agent_quarantined"
	EventAgentRehabilitated        = "agent_rehabilitated"
	EventPerformanceMetrics        = "performance_metrics"
	EventSecurityAdmissionRejected = "security_admission_rejected"
	EventsDropped                  = "events_dropped"
	EventSpawnDeadlineMissed       = "spawn_deadline_missed"
	EventSpawnP95Exceeded          = "spawn_p95_exceeded"
	EventBatchCompleted            = "batch_completed"
	EventPoolEvict                 = "pool_evict"
)

// Subscriber receives events published on a Bus. Handlers are invoked
// asynchronously on a per-subscriber goroutine, so the bus never assumes
// synchronous delivery and a slow handler cannot block publishers.
type Subscriber func(Event)

// Bus is a typed, in-process publish/subscribe channel. Each subscriber gets
// its own bounded queue; when a subscriber falls behind, the bus drops the
// oldest queued event and emits one EventsDropped notice rather than
// blocking the publisher or growing memory without bound.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	queueSize   int
}

type subscription struct {
	ch      chan Event
	dropped int
}

// NewBus creates an event bus whose per-subscriber queue holds queueSize
// events before the oldest is dropped. queueSize <= 0 defaults to 256.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subscribers: make(map[int]*subscription),
		queueSize:   queueSize,
	}
}

// Subscribe registers fn to receive every published event and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{ch: make(chan Event, b.queueSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				fn(ev)
			case <-done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		close(done)
	}
}

// Publish fans ev out to every subscriber. A full subscriber queue drops its
// oldest event to make room, then emits a best-effort EventsDropped notice on
// that same subscriber once the drop count is observed on the next Publish.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if sub.dropped > 0 {
			notice := Event{Type: EventsDropped, Payload: map[string]interface{}{"count": sub.dropped}, Timestamp: ev.Timestamp}
			select {
			case sub.ch <- notice:
				sub.dropped = 0
			default:
			}
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// PublishEvent is a convenience wrapper around Publish for common fire-and-forget calls.
func (b *Bus) PublishEvent(eventType string, payload interface{}) {
	b.Publish(Event{Type: eventType, Payload: payload})
}
