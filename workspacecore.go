// Package workspacecore is a thin public facade over the workspace state
// engine's internal packages, for embedders that want to run the core
// in-process without the RPC transport. It re-exports the State Manager,
// Command Dispatcher, and host ports under one import path, in the style
// of the teacher's root beads.go facade over internal/beads.
package workspacecore

import (
	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/dispatch"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/importexport"
	"github.com/untoldecay/workspace-state-core/internal/queue"
	"github.com/untoldecay/workspace-state-core/internal/statemgr"
	"github.com/untoldecay/workspace-state-core/internal/storage"
)

// Manager is the authoritative State Manager (spec §4.4).
type Manager = statemgr.Manager

// ManagerDeps bundles the Manager's collaborators.
type ManagerDeps = statemgr.Deps

// Dispatcher is the Command Dispatcher (spec §4.7).
type Dispatcher = dispatch.Dispatcher

// Store is the Persistence Layer contract (spec §4.2).
type Store = storage.Store

// Bus is the Broadcast Bus (spec §4.5).
type Bus = broadcast.Bus

// Registry is the Identity Registry (spec §4.1).
type Registry = identity.Registry

// Engine is the Import/Export Engine (spec §4.6).
type Engine = importexport.Engine

// HostEvents and HostCommands are the abstract ports at the core's boundary
// with the browser integration layer (spec §6).
type HostEvents = host.Events
type HostCommands = host.Commands
type HostEvent = host.Event

// QueueConfig holds the Update Queue's tunables (spec §6 queue.* keys).
type QueueConfig = queue.Config

// NewManager wires a Manager over deps. Call Load before serving traffic.
func NewManager(deps ManagerDeps) *Manager {
	return statemgr.New(deps)
}

// NewDispatcher wires a Dispatcher over mgr, an Import/Export Engine, and
// the host command port used by focus_space (spec §4.7, §9).
func NewDispatcher(mgr *Manager, ie *Engine, hostCmds HostCommands) *Dispatcher {
	return dispatch.New(mgr, ie, hostCmds)
}

// NewEngine wires an Import/Export Engine over mgr (spec §4.6).
func NewEngine(mgr *Manager) *Engine {
	return importexport.New(mgr)
}

// NewRegistry constructs an empty Identity Registry (spec §4.1).
func NewRegistry() *Registry {
	return identity.New()
}

// NewBus constructs a Broadcast Bus delivering to at most maxGoroutines
// subscribers concurrently per publish (spec §4.5).
func NewBus(maxGoroutines int) *Bus {
	return broadcast.New(maxGoroutines)
}

// NewNullHostCommands returns an in-memory host.Commands fake for embedders
// that have no real browser integration wired in yet.
func NewNullHostCommands(firstWindowID int) *host.NullCommands {
	return host.NewNullCommands(firstWindowID)
}
