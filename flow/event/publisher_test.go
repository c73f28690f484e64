package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dshills/bilko-go/flow/event"
)

// fakeStore records appended events and can be told to fail.
type fakeStore struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (s *fakeStore) AppendEvent(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) ListByRun(_ context.Context, runID string, _ *event.Scope) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) ListByScope(_ context.Context, scope event.Scope, types []string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.Scope != scope {
			continue
		}
		if len(types) > 0 {
			found := false
			for _, t := range types {
				if t == ev.Type {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func TestPublishEventFillsDefaults(t *testing.T) {
	store := &fakeStore{}
	pub := event.NewPublisher(store)

	ev, err := pub.PublishEvent(context.Background(), event.Event{
		Type:  event.TypeRunCreated,
		RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev.ID == "" {
		t.Error("id not assigned")
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if ev.SchemaVersion != event.SchemaVersion {
		t.Errorf("schemaVersion = %q, want %q", ev.SchemaVersion, event.SchemaVersion)
	}
	if len(store.events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(store.events))
	}
	if store.events[0].ID != ev.ID {
		t.Error("persisted event differs from returned event")
	}
}

func TestPublishEventDeliveryOrder(t *testing.T) {
	pub := event.NewPublisher(&fakeStore{})

	var got []string
	pub.Subscribe(event.Subscription{Callback: func(ev event.Event) {
		got = append(got, ev.Type)
	}})

	types := []string{
		event.TypeRunCreated, event.TypeRunQueued, event.TypeRunStarted,
		event.TypeStepStarted, event.TypeStepSucceeded, event.TypeRunSucceeded,
	}
	for _, typ := range types {
		if _, err := pub.PublishEvent(context.Background(), event.Event{Type: typ, RunID: "run-1"}); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	if len(got) != len(types) {
		t.Fatalf("delivered %d events, want %d", len(got), len(types))
	}
	for i := range types {
		if got[i] != types[i] {
			t.Errorf("delivery[%d] = %q, want %q", i, got[i], types[i])
		}
	}
}

func TestPublishEventStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	pub := event.NewPublisher(store)

	delivered := false
	pub.Subscribe(event.Subscription{Callback: func(event.Event) { delivered = true }})

	_, err := pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunCreated})
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if delivered {
		t.Error("event delivered despite persistence failure")
	}
}

// A panicking subscriber must not affect the publisher or the remaining
// subscribers.
func TestSubscriberPanicIsolation(t *testing.T) {
	pub := event.NewPublisher(&fakeStore{})

	var reportedID string
	pub.OnSubscriberError = func(subscriptionID string, err error) {
		reportedID = subscriptionID
		if err == nil {
			t.Error("nil error reported for panic")
		}
	}

	pub.Subscribe(event.Subscription{ID: "bad", Callback: func(event.Event) {
		panic("subscriber bug")
	}})
	goodDelivered := false
	pub.Subscribe(event.Subscription{ID: "good", Callback: func(event.Event) {
		goodDelivered = true
	}})

	ev, err := pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunStarted, RunID: "run-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev.ID == "" {
		t.Error("publish did not complete normally")
	}
	if !goodDelivered {
		t.Error("healthy subscriber starved by a panicking one")
	}
	if reportedID != "bad" {
		t.Errorf("reported subscription = %q, want bad", reportedID)
	}
}

func TestUnsubscribe(t *testing.T) {
	pub := event.NewPublisher(&fakeStore{})

	count := 0
	unsubscribe := pub.Subscribe(event.Subscription{Callback: func(event.Event) { count++ }})

	if _, err := pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunCreated}); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	unsubscribe() // idempotent
	if _, err := pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunQueued}); err != nil {
		t.Fatal(err)
	}

	if count != 1 {
		t.Errorf("delivered %d events after unsubscribe, want 1", count)
	}
}

func TestSubscriptionFiltering(t *testing.T) {
	pub := event.NewPublisher(&fakeStore{})
	scopeA := event.Scope{TenantID: "tenant-a", ProjectID: "proj-1"}
	scopeB := event.Scope{TenantID: "tenant-b", ProjectID: "proj-2"}

	t.Run("scope mismatch filtered", func(t *testing.T) {
		var got []string
		unsub := pub.Subscribe(event.Subscription{Scope: scopeA, Callback: func(ev event.Event) {
			got = append(got, ev.Type)
		}})
		defer unsub()

		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunCreated, Scope: scopeA})
		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunQueued, Scope: scopeB})

		if len(got) != 1 || got[0] != event.TypeRunCreated {
			t.Errorf("delivered %v, want only run.created", got)
		}
	})

	t.Run("library-mode events reach scoped subscribers", func(t *testing.T) {
		got := 0
		unsub := pub.Subscribe(event.Subscription{Scope: scopeA, Callback: func(event.Event) { got++ }})
		defer unsub()

		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunCreated})
		if got != 1 {
			t.Errorf("delivered %d, want 1", got)
		}
	})

	t.Run("type filter", func(t *testing.T) {
		var got []string
		unsub := pub.Subscribe(event.Subscription{
			EventTypes: []string{event.TypeRunFailed, event.TypeStepFailed},
			Callback:   func(ev event.Event) { got = append(got, ev.Type) },
		})
		defer unsub()

		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunCreated})
		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeStepFailed})
		pub.PublishEvent(context.Background(), event.Event{Type: event.TypeRunFailed})

		if len(got) != 2 || got[0] != event.TypeStepFailed || got[1] != event.TypeRunFailed {
			t.Errorf("delivered %v, want [step.failed run.failed]", got)
		}
	})
}
