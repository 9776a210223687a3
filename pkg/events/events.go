package events

import (
	"context"
	"sync"
	"time"
)

// EventType identifies one of the kernel agent's upstream event kinds.
type EventType string

const (
	EventInstanceStarted    EventType = "instance_started"
	EventInstanceTerminated EventType = "instance_terminated"
	EventInstanceHeartbeat  EventType = "instance_heartbeat"
	EventInstanceStats      EventType = "instance_stats"
	EventKernelCreating     EventType = "kernel_creating"
	EventKernelRestarting   EventType = "kernel_restarting"
	EventKernelTerminated   EventType = "kernel_terminated"
)

// Event is one upstream notification, dispatched fire-and-forget to the
// manager's event endpoint.
type Event struct {
	Type      EventType
	Timestamp time.Time
	KernelID  string
	Payload   map[string]interface{}
}

// Dispatcher sends an Event toward the manager-facing event endpoint. The
// manager transport itself is external to this agent; Dispatcher is the
// seam PeriodicTasks, KernelLifecycle, and EventMonitor dispatch through.
// Every call site applies its own deadline (1 s per spec) via ctx and
// treats a returned error as log-and-continue, never fatal.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Subscriber is a channel that receives events published to a Broker.
type Subscriber chan *Event

// Broker is an in-process publish/subscribe fan-out, used both to let
// local observers (such as tests) see dispatched events and
// as the backing implementation for a Dispatcher when no real manager
// connection is configured.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Dispatch implements Dispatcher by publishing to the broker. It never
// blocks past ctx's deadline: when the broker's buffer is full it waits
// only until ctx is done (returning ctx's error) or the broker stops.
func (b *Broker) Dispatch(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- &event:
		return nil
	case <-b.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DispatchWithTimeout calls d.Dispatch with a bounded deadline, logging
// policy left to the caller: on timeout or error, the caller should log
// and continue rather than propagate.
func DispatchWithTimeout(d Dispatcher, event Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Dispatch(ctx, event)
}
