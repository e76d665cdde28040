package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/metrics"
)

const (
	EventTypeAttempt        = "attempt"
	eventTypeHeartbeat      = "heartbeat"
	eventSourceBackend      = "everseal-backend"
	defaultEventBufferSize  = 16
	defaultHeartbeatSeconds = 15
)

// AttemptEvent announces a recorded verification attempt to dashboard subscribers.
type AttemptEvent struct {
	AttemptID     uint64
	TagUID        string
	Outcome       attempts.Outcome
	SourceAddress string
	Timestamp     time.Time
}

// EventDispatcher fans attempt events out to connected subscribers. Slow
// subscribers miss events rather than blocking verification.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan AttemptEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  defaultEventBufferSize,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan AttemptEvent, func()) {
	subscriber := &eventSubscriber{
		stream: make(chan AttemptEvent, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event AttemptEvent) {
	if event.AttemptID == 0 || event.Outcome == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishAttempt adapts a recorded attempt into an event.
func (d *EventDispatcher) PublishAttempt(attempt attempts.Attempt) {
	d.Publish(AttemptEvent{
		AttemptID:     attempt.ID,
		TagUID:        attempt.TagUID,
		Outcome:       attempt.Outcome,
		SourceAddress: attempt.SourceAddress,
		Timestamp:     time.Unix(attempt.RecordedAtSeconds, 0).UTC(),
	})
}

func (d *EventDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *EventDispatcher) registerSubscriber(subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	metrics.EventSubscribers.Set(float64(len(d.subscribers)))
}

func (d *EventDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	metrics.EventSubscribers.Set(float64(len(d.subscribers)))
	d.mu.Unlock()
}
