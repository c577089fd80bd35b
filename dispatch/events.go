package dispatch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is an internal platform event (document uploaded, execution
// completed, ...). Event triggers subscribe by type plus a payload
// filter.
type Event struct {
	Type    string
	Payload map[string]interface{}
}

// Bus is the in-process event bus. Producers publish; the dispatcher
// consumes and submits executions for matching event triggers. Channels
// replace an external broker per the engine's dispatch design; the queue
// package is the adapter seam when one is needed.
type Bus struct {
	dispatcher *Dispatcher
	logger     *logrus.Logger
	events     chan Event
	stopOnce   sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// NewBus creates an event bus with a bounded buffer.
func NewBus(dispatcher *Dispatcher, logger *logrus.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	return &Bus{
		dispatcher: dispatcher,
		logger:     logger,
		events:     make(chan Event, buffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Publish offers an event to the bus. Returns false when the bus is
// saturated; producers treat that as a dropped event and log it.
func (b *Bus) Publish(event Event) bool {
	select {
	case b.events <- event:
		return true
	default:
		b.logger.WithField("event_type", event.Type).Warn("event bus saturated, dropping event")
		return false
	}
}

// Start consumes events until Stop is called.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case event := <-b.events:
				b.deliver(ctx, event)
			}
		}
	}()
}

// Stop shuts the bus down and waits for the consumer.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// deliver submits an execution for every active event trigger subscribed
// to the event type whose filter matches the payload.
func (b *Bus) deliver(ctx context.Context, event Event) {
	triggers, err := b.dispatcher.workflows.ActiveEventTriggers(event.Type)
	if err != nil {
		b.logger.WithError(err).Error("failed to load event triggers")
		return
	}

	for i := range triggers {
		trigger := &triggers[i]
		if !filterMatches(trigger.EventFilter, event.Payload) {
			continue
		}
		if _, err := b.dispatcher.FireTrigger(ctx, trigger, event.Payload, ""); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"trigger_id": trigger.ID,
				"event_type": event.Type,
			}).Error("event submission failed")
		}
	}
}

// filterMatches reports whether every filter key equals the corresponding
// payload value. An empty filter matches everything.
func filterMatches(filter, payload map[string]interface{}) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
