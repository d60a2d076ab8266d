// Package host defines the boundary between the core and the browser
// integration layer that actually owns windows and tabs (spec §6). The core
// depends only on these interfaces; a real integration and a null/fake one
// for tests both satisfy them. There is no network or IPC transport
// implied here — whatever process embeds the core wires a concrete
// implementation in.
package host

import "context"

// Event is implemented by every inbound host event.
type Event interface{ isHostEvent() }

// WindowOpened is delivered when the host creates a new window.
type WindowOpened struct {
	WindowID    int
	InitialURLs []string
}

// WindowClosed is delivered when the host destroys a window.
type WindowClosed struct {
	WindowID int
}

// TabsChanged carries the new, ordered, authoritative URL list for a
// window (spec §6: "the urls array is the new, ordered truth").
type TabsChanged struct {
	WindowID int
	URLs     []string
}

// Startup is delivered exactly once at process start, enumerating every
// window the host currently has open, for reconciliation (spec §4.4).
type Startup struct {
	LiveWindows []LiveWindow
}

// LiveWindow is one entry in a Startup event.
type LiveWindow struct {
	WindowID int
	URLs     []string
}

func (WindowOpened) isHostEvent() {}
func (WindowClosed) isHostEvent() {}
func (TabsChanged) isHostEvent()  {}
func (Startup) isHostEvent()      {}

// Events is the inbound port: something that delivers host events to the
// core. Implementations call Dispatch on the core's event sink as events
// arrive; the core never polls.
type Events interface {
	Subscribe(sink func(Event))
}

// Commands is the outbound port: capabilities the core requires of the
// host (spec §6 Host Commands).
type Commands interface {
	// CreateWindow asks the host to open a new window with urls, returning
	// its window_id. May fail with a HostRefused-classified error or time
	// out via ctx (surfaced to the caller as HostTimeout).
	CreateWindow(ctx context.Context, urls []string) (int, error)
	// CloseWindow asks the host to close windowID.
	CloseWindow(ctx context.Context, windowID int) error
	// FocusWindow asks the host to bring windowID to the foreground.
	FocusWindow(ctx context.Context, windowID int) error
}
