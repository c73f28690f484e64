package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract the publisher writes through. Events
// are append-only and immutable once persisted.
//
// Implementations must preserve per-run insertion order: ListByRun returns
// events in the order they were appended.
type Store interface {
	// AppendEvent persists an event.
	AppendEvent(ctx context.Context, ev Event) error

	// ListByRun returns all events for a run in publish order. A non-nil
	// scope restricts the result to events carrying a matching scope.
	ListByRun(ctx context.Context, runID string, scope *Scope) ([]Event, error)

	// ListByScope returns all events in a scope, optionally narrowed to
	// the given types.
	ListByScope(ctx context.Context, scope Scope, types []string) ([]Event, error)
}

// Subscription registers interest in published events.
//
// Subscriptions are observational: a callback that panics is isolated and
// never affects the publisher, other subscribers, or the run that produced
// the event.
type Subscription struct {
	// ID identifies the subscription. Assigned by Subscribe when empty.
	ID string

	// Scope restricts delivery to events carrying a matching scope.
	// Events with no tenant fields (library mode) are delivered to all
	// subscribers regardless of Scope.
	Scope Scope

	// EventTypes optionally narrows delivery to the listed types.
	// Empty means all types.
	EventTypes []string

	// Callback receives matching events synchronously, in per-run
	// publish order.
	Callback func(Event)
}

// Publisher persists lifecycle events and fans them out to subscribers.
//
// Publish order per run id is delivery order: the publisher invokes
// callbacks synchronously after the event persists, and the executor
// publishes events in the order state transitions occur.
type Publisher struct {
	store Store

	mu   sync.RWMutex
	subs []Subscription

	// OnSubscriberError, when set, observes panics recovered from
	// subscriber callbacks. Diagnostics only; delivery to the remaining
	// subscribers continues regardless.
	OnSubscriberError func(subscriptionID string, err error)
}

// NewPublisher creates a publisher backed by the given event store.
func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Subscribe registers a subscription and returns the function that removes
// it. The returned unsubscribe is idempotent.
func (p *Publisher) Subscribe(sub Subscription) func() {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	id := sub.ID
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := range p.subs {
			if p.subs[i].ID == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// PublishEvent persists the event and delivers it to every matching
// subscriber. Missing ID, Timestamp, and SchemaVersion fields are filled
// in before persisting.
//
// Returns the persisted event. The only error path is store failure;
// subscriber panics are swallowed (and reported via OnSubscriberError).
func (p *Publisher) PublishEvent(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = SchemaVersion
	}

	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append event %s: %w", ev.Type, err)
	}

	p.mu.RLock()
	subs := make([]Subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()

	for _, sub := range subs {
		if !matches(sub, ev) {
			continue
		}
		p.deliver(sub, ev)
	}

	return ev, nil
}

// deliver invokes one callback with panic isolation.
func (p *Publisher) deliver(sub Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if p.OnSubscriberError != nil {
				p.OnSubscriberError(sub.ID, fmt.Errorf("subscriber panic: %v", r))
			}
		}
	}()
	sub.Callback(ev)
}

// GetEventsByRun returns all events for a run in publish order.
func (p *Publisher) GetEventsByRun(ctx context.Context, runID string, scope *Scope) ([]Event, error) {
	return p.store.ListByRun(ctx, runID, scope)
}

// GetEventsByScope returns all events in a scope, optionally narrowed to
// the given types.
func (p *Publisher) GetEventsByScope(ctx context.Context, scope Scope, types []string) ([]Event, error) {
	return p.store.ListByScope(ctx, scope, types)
}

// matches applies the subscription filter: events with no tenant fields
// are delivered to everyone; scoped events require a scope match; the type
// list narrows further when present.
func matches(sub Subscription, ev Event) bool {
	if !ev.Scope.IsZero() && !sub.Scope.IsZero() && ev.Scope != sub.Scope {
		return false
	}
	if len(sub.EventTypes) == 0 {
		return true
	}
	for _, t := range sub.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}
