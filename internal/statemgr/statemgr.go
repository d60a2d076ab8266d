// Package statemgr implements the State Manager (spec §4.4): the
// authoritative in-memory model, the only writer to persistence, and the
// only publisher to the Broadcast Bus. Every mutating operation funnels
// through the Update Queue so apply is effectively single-writer (spec §5).
package statemgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/queue"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Manager is the State Manager. Construct with New, then Load before
// serving any traffic.
type Manager struct {
	store    storage.Store
	registry *identity.Registry
	bus      *broadcast.Bus
	hostCmds host.Commands
	q        *queue.Queue
	logger   *slog.Logger

	mu     sync.RWMutex
	active *orderedmap.OrderedMap[string, *types.Workspace]
	closed *orderedmap.OrderedMap[string, *types.Workspace]
	tabs   map[string][]*types.TabRecord

	restoreGroup   singleflight.Group
	hostCmdTimeout time.Duration
}

// Deps bundles the Manager's collaborators.
type Deps struct {
	Store          storage.Store
	Registry       *identity.Registry
	Bus            *broadcast.Bus
	HostCommands   host.Commands
	Logger         *slog.Logger
	QueueConfig    queue.Config
	HostCmdTimeout time.Duration
}

// New wires a Manager and its Update Queue. Call Load before use.
func New(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HostCmdTimeout <= 0 {
		deps.HostCmdTimeout = 5 * time.Second
	}
	m := &Manager{
		store:          deps.Store,
		registry:       deps.Registry,
		bus:            deps.Bus,
		hostCmds:       deps.HostCommands,
		logger:         deps.Logger,
		active:         orderedmap.New[string, *types.Workspace](),
		closed:         orderedmap.New[string, *types.Workspace](),
		tabs:           make(map[string][]*types.TabRecord),
		hostCmdTimeout: deps.HostCmdTimeout,
	}
	m.q = queue.New(deps.QueueConfig, m.validateEntry, m.applyBatch)
	return m
}

// Load reconstructs in-memory state from the Persistence Layer, running the
// one-shot legacy bootstrap first if one was supplied by the caller.
func (m *Manager) Load(ctx context.Context, legacy *storage.LegacyDocument) error {
	if _, err := m.store.Bootstrap(ctx, legacy); err != nil {
		m.logger.Warn("legacy bootstrap failed, continuing with empty model", "error", err)
	}

	res, err := m.store.LoadAll(ctx)
	if err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "Load", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = orderedmap.New[string, *types.Workspace]()
	m.closed = orderedmap.New[string, *types.Workspace]()
	m.tabs = make(map[string][]*types.TabRecord)
	for _, w := range res.Active {
		m.active.Set(w.PermanentID, w)
	}
	for _, w := range res.Closed {
		m.closed.Set(w.PermanentID, w)
		m.tabs[w.PermanentID] = buildTabs(w.PermanentID, types.KindClosed, w.URLs)
	}
	m.registry.Restore(res.Mappings)
	return nil
}

// validateEntry is the Update Queue's enqueue-time schema validator (spec
// §4.3 "id non-empty, kind non-empty, payload conforming to per-kind
// schema"). Context-dependent checks (UnknownWorkspace, DuplicateWindow,
// ...) happen later in applyBatch.
func (m *Manager) validateEntry(u queue.Update) error {
	switch p := u.Payload.(type) {
	case *createPayload:
		if p.WindowID == 0 {
			return coreerr.New(coreerr.KindInvalidUpdate, "create_workspace", nil)
		}
	case *updateTabsPayload:
		if p.WindowID == 0 {
			return coreerr.New(coreerr.KindInvalidUpdate, "update_workspace_tabs", nil)
		}
	case *renamePayload:
		if p.PermanentID == "" {
			return coreerr.New(coreerr.KindInvalidUpdate, "rename_workspace", nil)
		}
	case *closePayload:
		if p.WindowID == 0 {
			return coreerr.New(coreerr.KindInvalidUpdate, "close_workspace", nil)
		}
	case *restorePayload:
		if p.PermanentID == "" {
			return coreerr.New(coreerr.KindInvalidUpdate, "restore_workspace", nil)
		}
	case *deleteClosedPayload:
		if p.PermanentID == "" {
			return coreerr.New(coreerr.KindInvalidUpdate, "delete_closed", nil)
		}
	case *importPayload:
		if p.Doc == nil {
			return coreerr.New(coreerr.KindInvalidUpdate, "import_document", nil)
		}
	case *hostWindowOpenedPayload, *hostWindowClosedPayload, *hostTabsChangedPayload, *hostStartupPayload:
		// Host events are trusted inputs from the integration layer; schema
		// validity is enforced by the Events port's decoding, not here.
	default:
		return coreerr.New(coreerr.KindInvalidUpdate, "validateEntry", nil)
	}
	return nil
}

// commitWorkingLocked replaces live state with the batch's working copy,
// preserving existing insertion order and appending newly-introduced
// permanent_ids in the order the batch introduced them. Caller holds
// m.mu (write lock).
func (m *Manager) commitWorkingLocked(w *workingState, r *applyResult) {
	newActive := orderedmap.New[string, *types.Workspace]()
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		if ws, ok := w.active[pair.Key]; ok {
			newActive.Set(pair.Key, ws)
		}
	}
	for _, id := range r.newActiveIDs {
		if ws, ok := w.active[id]; ok {
			if _, exists := newActive.Get(id); !exists {
				newActive.Set(id, ws)
			}
		}
	}

	newClosed := orderedmap.New[string, *types.Workspace]()
	for pair := m.closed.Oldest(); pair != nil; pair = pair.Next() {
		if ws, ok := w.closed[pair.Key]; ok {
			newClosed.Set(pair.Key, ws)
		}
	}
	for _, id := range r.newClosedIDs {
		if ws, ok := w.closed[id]; ok {
			if _, exists := newClosed.Get(id); !exists {
				newClosed.Set(id, ws)
			}
		}
	}

	m.active = newActive
	m.closed = newClosed
	m.tabs = w.tabs

	for _, bm := range r.bindMappings {
		m.registry.Bind(bm.WindowID, bm.PermanentID)
	}
	for _, windowID := range r.unbindWindowIDs {
		m.registry.Unbind(windowID)
	}
}

// snapshotLocked builds a Snapshot of current state. Caller holds m.mu (read
// or write lock).
func (m *Manager) snapshotLocked() types.Snapshot {
	snap := types.Snapshot{AsOfMS: types.NowMillis()}
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		snap.Active = append(snap.Active, pair.Value.Clone())
	}
	for pair := m.closed.Oldest(); pair != nil; pair = pair.Next() {
		cp := pair.Value.Clone()
		cp.URLs = urlsFromTabs(m.tabs[pair.Key])
		snap.Closed = append(snap.Closed, cp)
	}
	return snap
}

// GetState returns the current snapshot. Never fails (spec §4.4).
func (m *Manager) GetState() types.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func newRequestID() string { return uuid.NewString() }

// CreateWorkspace creates a new active workspace bound to windowID.
func (m *Manager) CreateWorkspace(ctx context.Context, windowID int, seedURLs []string) (*types.Workspace, error) {
	payload := &createPayload{WindowID: windowID, SeedURLs: seedURLs, Result: &types.Workspace{}}
	if err := m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindCreateWorkspace, Priority: queue.PriorityNormal, Payload: payload}); err != nil {
		return nil, err
	}
	return payload.Result, nil
}

// UpdateWorkspaceTabs replaces windowID's URL list.
func (m *Manager) UpdateWorkspaceTabs(ctx context.Context, windowID int, urls []string) error {
	payload := &updateTabsPayload{WindowID: windowID, URLs: urls}
	return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindUpdateTabs, Priority: queue.PriorityNormal, Payload: payload})
}

// RenameWorkspace sets permanentID's display name, marking it named.
func (m *Manager) RenameWorkspace(ctx context.Context, permanentID, name string) error {
	payload := &renamePayload{PermanentID: permanentID, Name: name}
	return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindRename, Priority: queue.PriorityHigh, Payload: payload})
}

// CloseWorkspace archives windowID's workspace.
func (m *Manager) CloseWorkspace(ctx context.Context, windowID int) error {
	payload := &closePayload{WindowID: windowID}
	return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindClose, Priority: queue.PriorityNormal, Payload: payload})
}

// RestoreWorkspace reopens a closed workspace as a new host window.
// Concurrent restores of the same permanent_id within one debounce window
// collapse into a single host request (spec §4.4 Duplicate-restore guard).
func (m *Manager) RestoreWorkspace(ctx context.Context, permanentID string) (int, error) {
	v, err, _ := m.restoreGroup.Do(permanentID, func() (any, error) {
		payload := &restorePayload{PermanentID: permanentID, Result: new(int)}
		if err := m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindRestore, Priority: queue.PriorityHigh, Payload: payload}); err != nil {
			return 0, err
		}
		return *payload.Result, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// DeleteClosed permanently removes a closed workspace and its tab records.
func (m *Manager) DeleteClosed(ctx context.Context, permanentID string) error {
	payload := &deleteClosedPayload{PermanentID: permanentID}
	return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindDeleteClosed, Priority: queue.PriorityNormal, Payload: payload})
}

// ImportDocument applies doc through the same apply path as live edits.
// When opts.ValidateOnly is set the caller should not reach this method at
// all — internal/importexport handles validate_only before ever enqueuing.
func (m *Manager) ImportDocument(ctx context.Context, doc *types.ExportDocument, opts types.ImportOptions) (*types.ImportCompleted, error) {
	payload := &importPayload{Doc: doc, Options: opts, Result: &types.ImportCompleted{}}
	if err := m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindImport, Priority: queue.PriorityLow, Payload: payload}); err != nil {
		return nil, coreerr.New(coreerr.KindImportFailed, "ImportDocument", err)
	}
	return payload.Result, nil
}

// HandleHostEvent translates a host.Event into an Update and enqueues it,
// linearizing host-originated mutations with observer commands (spec §5).
func (m *Manager) HandleHostEvent(ctx context.Context, ev host.Event) error {
	switch e := ev.(type) {
	case host.WindowOpened:
		return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindHostWindowOpened, Priority: queue.PriorityNormal,
			Payload: &hostWindowOpenedPayload{WindowID: e.WindowID, InitialURLs: e.InitialURLs}})
	case host.WindowClosed:
		return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindHostWindowClosed, Priority: queue.PriorityNormal,
			Payload: &hostWindowClosedPayload{WindowID: e.WindowID}})
	case host.TabsChanged:
		return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindHostTabsChanged, Priority: queue.PriorityNormal,
			Payload: &hostTabsChangedPayload{WindowID: e.WindowID, URLs: e.URLs}})
	case host.Startup:
		return m.q.Enqueue(ctx, queue.Update{ID: newRequestID(), Kind: kindHostStartup, Priority: queue.PrioritySystem,
			Payload: &hostStartupPayload{LiveWindows: e.LiveWindows}})
	default:
		return coreerr.New(coreerr.KindInvalidUpdate, "HandleHostEvent", nil)
	}
}

// Subscribe registers a broadcast subscriber.
func (m *Manager) Subscribe(subscriberID string, sub broadcast.Subscriber) {
	m.bus.Subscribe(subscriberID, sub)
}

// Unsubscribe removes a broadcast subscriber.
func (m *Manager) Unsubscribe(subscriberID string) {
	m.bus.Unsubscribe(subscriberID)
}
