// Package queue implements the Update Queue (spec §4.3): a bounded,
// debounced, priority-ordered holding area for mutation requests that
// batches them before handing them to the State Manager's apply path.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
)

// Priority is the drain ordering key; lower values drain first.
type Priority int

const (
	PrioritySystem Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Kind names the per-update payload schema the queue validates against on
// entry (spec §4.3 "payload conforming to per-kind schema").
type Kind string

// Update is one mutation request accepted by enqueue.
type Update struct {
	ID       string
	Kind     Kind
	Payload  any
	Priority Priority

	seq    uint64 // enqueue order, for stable tie-break
	result chan error
}

// Validator checks an Update's Kind/Payload combination before it is
// accepted onto the queue. The State Manager supplies this so the queue
// stays decoupled from workspace semantics.
type Validator func(u Update) error

// Drainer applies one batch of updates and reports the first failure, if
// any. It runs on the debounce timer's goroutine or on the goroutine of an
// Enqueue call that saturated the queue; the queue never runs two drains at
// once, so it may mutate shared state without additional locking on the
// queue's behalf.
type Drainer func(ctx context.Context, batch []Update) error

// Config holds the tunables spec §6 names under the queue.* namespace.
type Config struct {
	DebounceTime  time.Duration
	MaxQueueSize  int
	Validate      bool
}

// Queue is the Update Queue. Safe for concurrent use.
type Queue struct {
	cfg      Config
	validate Validator
	drain    Drainer

	mu      sync.Mutex
	pq      priorityQueue
	nextSeq uint64
	timer   *time.Timer
	draining bool
}

// New constructs a Queue. drain must be non-nil; validate may be nil.
func New(cfg Config, validate Validator, drain Drainer) *Queue {
	if cfg.DebounceTime <= 0 {
		cfg.DebounceTime = 50 * time.Millisecond
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 3
	}
	q := &Queue{cfg: cfg, validate: validate, drain: drain}
	heap.Init(&q.pq)
	return q
}

// Enqueue validates and accepts update, returning once its batch has been
// applied (or rejected). ctx governs only the caller's wait for that
// result: if ctx is canceled first, Enqueue returns ctx.Err() but the
// update remains queued and will still be drained (spec §4.3/§5 — a
// canceled caller does not un-enqueue a durable update).
func (q *Queue) Enqueue(ctx context.Context, u Update) error {
	if err := q.validateEntry(u); err != nil {
		return err
	}

	u.result = make(chan error, 1)

	q.mu.Lock()
	u.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.pq, &u)
	size := q.pq.Len()
	q.resetTimerLocked()
	q.mu.Unlock()

	if size > q.cfg.MaxQueueSize {
		const maxRetries = 3
		for attempt := 0; attempt < maxRetries; attempt++ {
			q.drainNow(context.Background())
			if q.Len() < q.cfg.MaxQueueSize {
				break
			}
			if attempt == maxRetries-1 {
				return coreerr.New(coreerr.KindQueueSaturated, "Enqueue", nil)
			}
		}
	}

	select {
	case err := <-u.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) validateEntry(u Update) error {
	if u.ID == "" || u.Kind == "" {
		return coreerr.New(coreerr.KindInvalidUpdate, "Enqueue", nil)
	}
	if q.cfg.Validate && q.validate != nil {
		if err := q.validate(u); err != nil {
			return coreerr.New(coreerr.KindInvalidUpdate, "Enqueue", err)
		}
	}
	return nil
}

// resetTimerLocked (re)schedules a drain at now+DebounceTime, coalescing
// bursts (spec §4.3 "each new enqueue resets it"). Caller holds q.mu.
func (q *Queue) resetTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.cfg.DebounceTime, func() {
		q.drainNow(context.Background())
	})
}

// drainNow pops every queued update in priority order (ties by enqueue
// order), applies them as one batch, and either commits or rolls back the
// queue to its exact pre-drain contents (spec §4.3 Rollback).
func (q *Queue) drainNow(ctx context.Context) {
	q.mu.Lock()
	if q.draining || q.pq.Len() == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	if q.timer != nil {
		q.timer.Stop()
	}

	batch := make([]*Update, q.pq.Len())
	for i := range batch {
		batch[i] = heap.Pop(&q.pq).(*Update)
	}
	q.mu.Unlock()

	plain := make([]Update, len(batch))
	for i, u := range batch {
		plain[i] = *u
	}

	err := q.drain(ctx, plain)

	q.mu.Lock()
	q.draining = false
	if err != nil {
		// Rollback: restore the exact pre-drain entries at the head.
		restored := make(priorityQueue, 0, len(batch)+q.pq.Len())
		restored = append(restored, batch...)
		restored = append(restored, q.pq...)
		q.pq = restored
		heap.Init(&q.pq)
		if q.pq.Len() > 0 {
			q.resetTimerLocked()
		}
	}
	q.mu.Unlock()

	for _, u := range batch {
		u.result <- err
	}
}

// Len reports the current queue depth, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// priorityQueue implements container/heap.Interface: lowest Priority first,
// ties broken by lowest seq (stable FIFO within a priority).
type priorityQueue []*Update

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority < pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) {
	*pq = append(*pq, x.(*Update))
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}
