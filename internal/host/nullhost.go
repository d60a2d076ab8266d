package host

import (
	"context"
	"sync"
)

// NullCommands is an in-memory host.Commands fake: CreateWindow allocates
// sequential window ids and always succeeds. Used by tests and by any
// embedder that wants to exercise the core without a real browser
// integration.
type NullCommands struct {
	mu       sync.Mutex
	nextID   int
	refuse   bool
	created  []int
}

// NewNullCommands returns a NullCommands starting window ids at firstID.
func NewNullCommands(firstID int) *NullCommands {
	return &NullCommands{nextID: firstID}
}

// Refuse makes every subsequent CreateWindow call return HostRefused-class
// errors, for testing restore failure paths.
func (n *NullCommands) Refuse(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refuse = v
}

// Created returns every window_id this fake has handed out, in order.
func (n *NullCommands) Created() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.created...)
}

func (n *NullCommands) CreateWindow(ctx context.Context, urls []string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refuse {
		return 0, errHostRefused
	}
	id := n.nextID
	n.nextID++
	n.created = append(n.created, id)
	return id, nil
}

func (n *NullCommands) CloseWindow(ctx context.Context, windowID int) error { return nil }

func (n *NullCommands) FocusWindow(ctx context.Context, windowID int) error { return nil }

type hostRefusedError struct{}

func (hostRefusedError) Error() string { return "host refused to create window" }

var errHostRefused = hostRefusedError{}
