// Package broadcast implements the Broadcast Bus (spec §4.5): fan-out of
// StateUpdated messages to every subscribed observer after a successful
// apply, best-effort and at-least-once per subscriber.
package broadcast

import (
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Subscriber receives delivered messages. Implementations must not block
// indefinitely: Publish waits for every Deliver call to return, so a
// blocked subscriber blocks the publisher.
type Subscriber interface {
	// Deliver is called with each StateUpdated in commit order. A slow
	// subscriber delays Publish's return but not the other subscribers'
	// deliveries; a panic inside Deliver is recovered by the delivery task
	// and does not stop the others.
	Deliver(msg types.StateUpdated)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(msg types.StateUpdated)

func (f SubscriberFunc) Deliver(msg types.StateUpdated) { f(msg) }

// Bus fans a single stream of StateUpdated messages out to every current
// subscriber. Publish calls are serialized by the caller (the State
// Manager's single apply path), which is what gives the bus its FIFO
// delivery guarantee (spec §4.5 Ordering).
type Bus struct {
	maxGoroutines int

	mu   sync.RWMutex
	subs map[string]Subscriber
}

// New returns a Bus that delivers to at most maxGoroutines subscribers
// concurrently per Publish call. maxGoroutines <= 0 means unbounded.
func New(maxGoroutines int) *Bus {
	return &Bus{maxGoroutines: maxGoroutines, subs: make(map[string]Subscriber)}
}

// Subscribe registers sub under subscriberID, replacing any prior
// subscriber with the same id.
func (b *Bus) Subscribe(subscriberID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subscriberID] = sub
}

// Unsubscribe removes subscriberID.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subscriberID)
}

// Publish delivers msg to every current subscriber, including the
// originator of the mutation (spec §4.5: "the originator... is still sent
// the message to ensure the originating observer reconciles"). It blocks
// until every Deliver call has returned or panicked, but a single slow or
// panicking subscriber cannot prevent the others from receiving msg.
func (b *Bus) Publish(msg types.StateUpdated) {
	b.mu.RLock()
	recipients := make([]Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		recipients = append(recipients, sub)
	}
	b.mu.RUnlock()

	if len(recipients) == 0 {
		return
	}

	p := pool.New()
	if b.maxGoroutines > 0 {
		p = p.WithMaxGoroutines(b.maxGoroutines)
	}
	for _, sub := range recipients {
		sub := sub
		p.Go(func() {
			defer func() { recover() }()
			sub.Deliver(msg)
		})
	}
	p.Wait()
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
