package broadcast

import (
	"sync"
	"testing"

	"github.com/untoldecay/workspace-state-core/internal/types"
)

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	bus := New(4)

	var mu sync.Mutex
	received := make(map[string]int)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		bus.Subscribe(id, SubscriberFunc(func(msg types.StateUpdated) {
			mu.Lock()
			received[id]++
			mu.Unlock()
		}))
	}

	bus.Publish(types.StateUpdated{Touched: []string{"p1"}})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if received[id] != 1 {
			t.Fatalf("expected subscriber %s to receive exactly one message, got %d", id, received[id])
		}
	}
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	bus := New(4)
	bus.Subscribe("panicker", SubscriberFunc(func(msg types.StateUpdated) { panic("boom") }))

	var mu sync.Mutex
	delivered := false
	bus.Subscribe("survivor", SubscriberFunc(func(msg types.StateUpdated) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}))

	bus.Publish(types.StateUpdated{})

	mu.Lock()
	defer mu.Unlock()
	if !delivered {
		t.Fatal("expected non-panicking subscriber to still receive the message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(0)
	var count int
	var mu sync.Mutex
	bus.Subscribe("a", SubscriberFunc(func(msg types.StateUpdated) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	bus.Unsubscribe("a")
	bus.Publish(types.StateUpdated{})

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}
