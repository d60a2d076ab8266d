package statemgr

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/queue"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Update kinds, the per-operation payload schema the queue's enqueue-time
// validator checks and the apply path interprets.
const (
	kindCreateWorkspace  = "create_workspace"
	kindUpdateTabs       = "update_workspace_tabs"
	kindRename           = "rename_workspace"
	kindClose            = "close_workspace"
	kindRestore          = "restore_workspace"
	kindDeleteClosed     = "delete_closed"
	kindImport           = "import_document"
	kindHostWindowOpened = "host_window_opened"
	kindHostWindowClosed = "host_window_closed"
	kindHostTabsChanged  = "host_tabs_changed"
	kindHostStartup      = "host_startup"
)

type createPayload struct {
	WindowID int
	SeedURLs []string
	Result   *types.Workspace
}

type updateTabsPayload struct {
	WindowID int
	URLs     []string
}

type renamePayload struct {
	PermanentID string
	Name        string
}

type closePayload struct {
	WindowID int
}

type restorePayload struct {
	PermanentID string
	Result      *int
}

type deleteClosedPayload struct {
	PermanentID string
}

type importPayload struct {
	Doc     *types.ExportDocument
	Options types.ImportOptions
	Result  *types.ImportCompleted
}

type hostWindowOpenedPayload struct {
	WindowID    int
	InitialURLs []string
}

type hostWindowClosedPayload struct {
	WindowID int
}

type hostTabsChangedPayload struct {
	WindowID int
	URLs     []string
}

type hostStartupPayload struct {
	LiveWindows []host.LiveWindow
}

// workingState is the batch-scoped working copy apply mutates. Nothing here
// is visible to readers until the whole batch persists successfully.
type workingState struct {
	active  map[string]*types.Workspace
	closed  map[string]*types.Workspace
	tabs    map[string][]*types.TabRecord
	bindSim map[int]string // window_id -> permanent_id, simulates registry across the batch
}

func (m *Manager) cloneWorkingLocked() *workingState {
	w := &workingState{
		active:  make(map[string]*types.Workspace),
		closed:  make(map[string]*types.Workspace),
		tabs:    make(map[string][]*types.TabRecord, len(m.tabs)),
		bindSim: make(map[int]string),
	}
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		w.active[pair.Key] = pair.Value.Clone()
	}
	for pair := m.closed.Oldest(); pair != nil; pair = pair.Next() {
		w.closed[pair.Key] = pair.Value.Clone()
	}
	for id, tabs := range m.tabs {
		w.tabs[id] = append([]*types.TabRecord(nil), tabs...)
	}
	for _, mm := range m.registry.Snapshot() {
		w.bindSim[mm.WindowID] = mm.PermanentID
	}
	return w
}

// applyResult accumulates what a successful batch must persist and commit.
type applyResult struct {
	batch           storage.Batch
	touched         map[string]struct{}
	bindMappings    []identity.Mapping
	unbindWindowIDs []int

	// newActiveIDs/newClosedIDs record, in the order the batch introduced
	// them, permanent_ids that are newly present in the respective
	// collection this batch — either brand new or moved in from the other
	// collection. commitWorkingLocked appends them to the live ordered maps
	// in this order so insertion order stays deterministic.
	newActiveIDs []string
	newClosedIDs []string
}

func newApplyResult() *applyResult {
	return &applyResult{
		touched:         make(map[string]struct{}),
		batch:           storage.Batch{ReplaceTabs: make(map[string][]*types.TabRecord)},
	}
}

func (r *applyResult) touch(permanentID string) {
	r.touched[permanentID] = struct{}{}
}

func (r *applyResult) touchedSlice() []string {
	out := make([]string, 0, len(r.touched))
	for id := range r.touched {
		out = append(out, id)
	}
	return out
}

// applyBatch is the Update Queue's Drainer: it computes every update's
// effect against a working copy, persists the union of touched records in
// one transaction only if every update succeeds, then commits in memory and
// broadcasts (spec §4.4 Apply-batch).
func (m *Manager) applyBatch(ctx context.Context, batch []queue.Update) error {
	m.mu.RLock()
	work := m.cloneWorkingLocked()
	m.mu.RUnlock()

	result := newApplyResult()

	for _, u := range batch {
		if err := m.applyOne(ctx, work, u, result); err != nil {
			return coreerr.New(coreerr.KindBatchRejected, "ApplyBatch", err)
		}
	}

	if len(result.touched) == 0 && len(result.bindMappings) == 0 && len(result.unbindWindowIDs) == 0 {
		return nil
	}

	result.batch.BindMappings = result.bindMappings
	result.batch.UnbindWindowIDs = result.unbindWindowIDs

	if err := m.store.SaveBatch(ctx, result.batch); err != nil {
		return coreerr.New(coreerr.KindStorageFailed, "ApplyBatch", err)
	}

	m.mu.Lock()
	m.commitWorkingLocked(work, result)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.bus.Publish(types.StateUpdated{Snapshot: snapshot, Touched: result.touchedSlice()})
	return nil
}

func (m *Manager) applyOne(ctx context.Context, w *workingState, u queue.Update, r *applyResult) error {
	switch p := u.Payload.(type) {
	case *createPayload:
		return m.applyCreate(w, p, r)
	case *updateTabsPayload:
		return m.applyUpdateTabs(w, p, r)
	case *renamePayload:
		return m.applyRename(w, p, r)
	case *closePayload:
		return m.applyClose(w, p, r)
	case *restorePayload:
		return m.applyRestore(ctx, w, p, r)
	case *deleteClosedPayload:
		return m.applyDeleteClosed(w, p, r)
	case *importPayload:
		return m.applyImport(w, p, r)
	case *hostWindowOpenedPayload:
		return m.applyHostWindowOpened(w, p, r)
	case *hostWindowClosedPayload:
		return m.applyHostWindowClosed(w, p, r)
	case *hostTabsChangedPayload:
		return m.applyHostTabsChanged(w, p, r)
	case *hostStartupPayload:
		return m.applyHostStartup(w, p, r)
	default:
		return coreerr.New(coreerr.KindInvalidUpdate, "applyOne", nil)
	}
}

func buildTabs(permanentID string, kind types.Kind, urls []string) []*types.TabRecord {
	now := types.NowMillis()
	out := make([]*types.TabRecord, len(urls))
	for i, u := range urls {
		out[i] = &types.TabRecord{
			TabID:       uuid.NewString(),
			PermanentID: permanentID,
			Kind:        kind,
			URL:         u,
			Index:       i,
			CreatedAt:   now,
		}
	}
	return out
}

func (m *Manager) applyCreate(w *workingState, p *createPayload, r *applyResult) error {
	if _, exists := w.bindSim[p.WindowID]; exists {
		return coreerr.New(coreerr.KindDuplicateWindow, "create_workspace", nil)
	}
	now := types.NowMillis()
	permanentID := identity.NewPermanentID()
	ws := &types.Workspace{
		PermanentID:  permanentID,
		DisplayName:  deriveName(p.SeedURLs),
		IsNamed:      false,
		URLs:         append([]string(nil), p.SeedURLs...),
		IsActive:     true,
		WindowID:     p.WindowID,
		CreatedAt:    now,
		LastUsed:     now,
		LastModified: now,
		Version:      1,
	}
	w.active[permanentID] = ws
	w.bindSim[p.WindowID] = permanentID
	r.touch(permanentID)
	r.newActiveIDs = append(r.newActiveIDs, permanentID)
	r.batch.UpsertActive = append(r.batch.UpsertActive, ws.Clone())
	r.bindMappings = append(r.bindMappings, identity.Mapping{WindowID: p.WindowID, PermanentID: permanentID})
	if p.Result != nil {
		*p.Result = *ws.Clone()
	}
	return nil
}

func (m *Manager) applyUpdateTabs(w *workingState, p *updateTabsPayload, r *applyResult) error {
	permanentID, ok := w.bindSim[p.WindowID]
	if !ok {
		return coreerr.New(coreerr.KindUnknownWindow, "update_workspace_tabs", nil)
	}
	ws, ok := w.active[permanentID]
	if !ok {
		return coreerr.New(coreerr.KindUnknownWindow, "update_workspace_tabs", nil)
	}
	ws.URLs = append([]string(nil), p.URLs...)
	ws.LastModified = types.NowMillis()
	ws.Version++
	if !ws.IsNamed {
		ws.DisplayName = deriveName(ws.URLs)
	}
	r.touch(permanentID)
	r.batch.UpsertActive = append(r.batch.UpsertActive, ws.Clone())
	return nil
}

func (m *Manager) applyRename(w *workingState, p *renamePayload, r *applyResult) error {
	name, err := normalizeName(p.Name)
	if err != nil {
		return err
	}
	ws, active := w.active[p.PermanentID]
	if !active {
		var closedOK bool
		ws, closedOK = w.closed[p.PermanentID]
		if !closedOK {
			return coreerr.New(coreerr.KindUnknownWorkspace, "rename_workspace", nil)
		}
	}
	ws.DisplayName = name
	ws.IsNamed = true
	ws.LastModified = types.NowMillis()
	ws.Version++
	r.touch(p.PermanentID)
	if active {
		r.batch.UpsertActive = append(r.batch.UpsertActive, ws.Clone())
	} else {
		r.batch.UpsertClosed = append(r.batch.UpsertClosed, ws.Clone())
	}
	return nil
}

func (m *Manager) applyClose(w *workingState, p *closePayload, r *applyResult) error {
	permanentID, ok := w.bindSim[p.WindowID]
	if !ok {
		return coreerr.New(coreerr.KindUnknownWindow, "close_workspace", nil)
	}
	ws, ok := w.active[permanentID]
	if !ok {
		return coreerr.New(coreerr.KindUnknownWindow, "close_workspace", nil)
	}
	tabs := buildTabs(permanentID, types.KindClosed, ws.URLs)
	ws.IsActive = false
	ws.WindowID = 0
	ws.LastModified = types.NowMillis()
	ws.Version++
	ws.URLs = nil

	delete(w.active, permanentID)
	w.closed[permanentID] = ws
	w.tabs[permanentID] = tabs
	delete(w.bindSim, p.WindowID)

	r.touch(permanentID)
	r.newClosedIDs = append(r.newClosedIDs, permanentID)
	r.batch.DeleteActive = append(r.batch.DeleteActive, permanentID)
	r.batch.UpsertClosed = append(r.batch.UpsertClosed, ws.Clone())
	r.batch.ReplaceTabs[permanentID] = tabs
	r.unbindWindowIDs = append(r.unbindWindowIDs, p.WindowID)
	return nil
}

func (m *Manager) applyRestore(ctx context.Context, w *workingState, p *restorePayload, r *applyResult) error {
	ws, ok := w.closed[p.PermanentID]
	if !ok {
		return coreerr.New(coreerr.KindUnknownWorkspace, "restore_workspace", nil)
	}
	urls := urlsFromTabs(w.tabs[p.PermanentID])

	hctx := ctx
	if m.hostCmdTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, m.hostCmdTimeout)
		defer cancel()
	}
	windowID, err := m.hostCmds.CreateWindow(hctx, urls)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return coreerr.New(coreerr.KindHostTimeout, "restore_workspace", err)
		}
		return coreerr.New(coreerr.KindHostRefused, "restore_workspace", err)
	}

	ws.IsActive = true
	ws.WindowID = windowID
	ws.URLs = urls
	ws.LastUsed = types.NowMillis()
	ws.LastModified = ws.LastUsed
	ws.Version++

	delete(w.closed, p.PermanentID)
	w.active[p.PermanentID] = ws
	delete(w.tabs, p.PermanentID)
	w.bindSim[windowID] = p.PermanentID

	r.touch(p.PermanentID)
	r.newActiveIDs = append(r.newActiveIDs, p.PermanentID)
	r.batch.DeleteClosed = append(r.batch.DeleteClosed, p.PermanentID)
	r.batch.DeleteTabs = append(r.batch.DeleteTabs, p.PermanentID)
	r.batch.UpsertActive = append(r.batch.UpsertActive, ws.Clone())
	r.bindMappings = append(r.bindMappings, identity.Mapping{WindowID: windowID, PermanentID: p.PermanentID})
	if p.Result != nil {
		*p.Result = windowID
	}
	return nil
}

func (m *Manager) applyDeleteClosed(w *workingState, p *deleteClosedPayload, r *applyResult) error {
	if _, ok := w.closed[p.PermanentID]; !ok {
		return coreerr.New(coreerr.KindUnknownWorkspace, "delete_closed", nil)
	}
	delete(w.closed, p.PermanentID)
	delete(w.tabs, p.PermanentID)
	r.touch(p.PermanentID)
	r.batch.DeleteClosed = append(r.batch.DeleteClosed, p.PermanentID)
	r.batch.DeleteTabs = append(r.batch.DeleteTabs, p.PermanentID)
	return nil
}

func (m *Manager) applyHostWindowOpened(w *workingState, p *hostWindowOpenedPayload, r *applyResult) error {
	return m.applyCreate(w, &createPayload{WindowID: p.WindowID, SeedURLs: p.InitialURLs}, r)
}

func (m *Manager) applyHostWindowClosed(w *workingState, p *hostWindowClosedPayload, r *applyResult) error {
	if _, ok := w.bindSim[p.WindowID]; !ok {
		// Unknown window closing is not an error for a host-originated
		// event: the host is simply informing us, with nothing to react to.
		return nil
	}
	return m.applyClose(w, &closePayload{WindowID: p.WindowID}, r)
}
func (m *Manager) applyHostTabsChanged(w *workingState, p *hostTabsChangedPayload, r *applyResult) error {
	if _, ok := w.bindSim[p.WindowID]; !ok {
		return m.applyCreate(w, &createPayload{WindowID: p.WindowID, SeedURLs: p.URLs}, r)
	}
	return m.applyUpdateTabs(w, &updateTabsPayload{WindowID: p.WindowID, URLs: p.URLs}, r)
}

func (m *Manager) applyHostStartup(w *workingState, p *hostStartupPayload, r *applyResult) error {
	for _, lw := range p.LiveWindows {
		permanentID, ok := w.bindSim[lw.WindowID]
		if !ok {
			if err := m.applyCreate(w, &createPayload{WindowID: lw.WindowID, SeedURLs: lw.URLs}, r); err != nil {
				return err
			}
			continue
		}
		if _, isActive := w.active[permanentID]; isActive {
			// Reassert: nothing to change, the binding already matches.
			continue
		}
		// Mapping exists but the workspace was closed: leave it closed, a
		// manual restore is required (spec §4.4 Reconciliation on startup).
	}
	return nil
}

func (m *Manager) applyImport(w *workingState, p *importPayload, r *applyResult) error {
	counts := types.ImportCounts{}
	for id, ew := range p.Doc.Spaces.Active {
		if !p.Options.ReplaceExisting {
			if _, exists := w.active[id]; exists {
				continue
			}
			if _, exists := w.closed[id]; exists {
				continue
			}
		} else {
			delete(w.closed, id)
			delete(w.tabs, id)
			r.batch.DeleteClosed = append(r.batch.DeleteClosed, id)
			r.batch.DeleteTabs = append(r.batch.DeleteTabs, id)
		}
		now := types.NowMillis()
		ws := &types.Workspace{
			PermanentID: id, DisplayName: ew.DisplayName, IsNamed: ew.IsNamed,
			URLs: append([]string(nil), ew.URLs...), IsActive: true,
			CreatedAt: now, LastUsed: now, LastModified: now, Version: 1,
		}
		w.active[id] = ws
		r.touch(id)
		r.newActiveIDs = append(r.newActiveIDs, id)
		r.batch.UpsertActive = append(r.batch.UpsertActive, ws.Clone())
		counts.Active++
	}
	for id, ew := range p.Doc.Spaces.Closed {
		if !p.Options.ReplaceExisting {
			if _, exists := w.active[id]; exists {
				continue
			}
			if _, exists := w.closed[id]; exists {
				continue
			}
		} else {
			if _, exists := w.active[id]; exists {
				delete(w.active, id)
				r.batch.DeleteActive = append(r.batch.DeleteActive, id)
			}
		}
		now := types.NowMillis()
		ws := &types.Workspace{
			PermanentID: id, DisplayName: ew.DisplayName, IsNamed: ew.IsNamed,
			IsActive: false, CreatedAt: now, LastUsed: now, LastModified: now, Version: 1,
		}
		tabs := buildTabs(id, types.KindClosed, ew.URLs)
		w.closed[id] = ws
		w.tabs[id] = tabs
		r.touch(id)
		r.newClosedIDs = append(r.newClosedIDs, id)
		r.batch.UpsertClosed = append(r.batch.UpsertClosed, ws.Clone())
		r.batch.ReplaceTabs[id] = tabs
		counts.Closed++
	}
	if p.Result != nil {
		p.Result.ImportedCounts = counts
	}
	return nil
}

func urlsFromTabs(tabs []*types.TabRecord) []string {
	urls := make([]string, len(tabs))
	for i, t := range tabs {
		urls[i] = t.URL
	}
	return urls
}
