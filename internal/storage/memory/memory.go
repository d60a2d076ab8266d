// Package memory is an in-process storage.Store implementation: the same
// four-collection contract with no backing file, used by tests and by
// anything that wants a Store without a filesystem (spec §4.2 mentions
// sqlite as "the real backend"; this is its fast double).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Store is a mutex-guarded, map-backed storage.Store.
type Store struct {
	mu            sync.Mutex
	active        map[string]*types.Workspace
	closed        map[string]*types.Workspace
	tabs          map[string][]*types.TabRecord
	mappings      map[int]string
	bootstrapDone bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		active:   make(map[string]*types.Workspace),
		closed:   make(map[string]*types.Workspace),
		tabs:     make(map[string][]*types.TabRecord),
		mappings: make(map[int]string),
	}
}

func (s *Store) Path() string { return "" }

func (s *Store) Close() error { return nil }

func (s *Store) LoadAll(ctx context.Context) (*storage.LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &storage.LoadResult{SchemaVersion: 1, BootstrapDone: s.bootstrapDone}
	for _, w := range s.active {
		res.Active = append(res.Active, w.Clone())
	}
	for _, w := range s.closed {
		cp := w.Clone()
		cp.URLs = urlsFromTabs(s.tabs[cp.PermanentID])
		res.Closed = append(res.Closed, cp)
	}
	sortByPermanentID(res.Active)
	sortByPermanentID(res.Closed)
	for windowID, permanentID := range s.mappings {
		res.Mappings = append(res.Mappings, identity.Mapping{WindowID: windowID, PermanentID: permanentID})
	}
	return res, nil
}

func urlsFromTabs(tabs []*types.TabRecord) []string {
	sorted := append([]*types.TabRecord(nil), tabs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	urls := make([]string, len(sorted))
	for i, t := range sorted {
		urls[i] = t.URL
	}
	return urls
}

func sortByPermanentID(ws []*types.Workspace) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].PermanentID < ws[j].PermanentID })
}

func (s *Store) SaveBatch(ctx context.Context, batch storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range batch.UpsertActive {
		s.active[w.PermanentID] = w.Clone()
	}
	for _, w := range batch.UpsertClosed {
		s.closed[w.PermanentID] = w.Clone()
	}
	for _, id := range batch.DeleteActive {
		delete(s.active, id)
	}
	for _, id := range batch.DeleteClosed {
		delete(s.closed, id)
	}
	for id, tabs := range batch.ReplaceTabs {
		s.tabs[id] = append([]*types.TabRecord(nil), tabs...)
	}
	for _, id := range batch.DeleteTabs {
		delete(s.tabs, id)
	}
	for _, m := range batch.BindMappings {
		s.mappings[m.WindowID] = m.PermanentID
	}
	for _, windowID := range batch.UnbindWindowIDs {
		delete(s.mappings, windowID)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]*types.Workspace)
	s.closed = make(map[string]*types.Workspace)
	s.tabs = make(map[string][]*types.TabRecord)
	s.mappings = make(map[int]string)
	return nil
}

func (s *Store) Export(ctx context.Context) (*storage.ExportData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := &storage.ExportData{SchemaVersion: 1, Tabs: make(map[string][]*types.TabRecord)}
	for _, w := range s.active {
		data.Active = append(data.Active, w.Clone())
	}
	for _, w := range s.closed {
		data.Closed = append(data.Closed, w.Clone())
	}
	for id, tabs := range s.tabs {
		data.Tabs[id] = append([]*types.TabRecord(nil), tabs...)
	}
	sortByPermanentID(data.Active)
	sortByPermanentID(data.Closed)
	return data, nil
}

func (s *Store) Import(ctx context.Context, data storage.ImportData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make(map[string]*types.Workspace, len(data.Active))
	for _, w := range data.Active {
		s.active[w.PermanentID] = w.Clone()
	}
	s.closed = make(map[string]*types.Workspace, len(data.Closed))
	for _, w := range data.Closed {
		s.closed[w.PermanentID] = w.Clone()
	}
	s.tabs = make(map[string][]*types.TabRecord, len(data.Tabs))
	for id, tabs := range data.Tabs {
		s.tabs[id] = append([]*types.TabRecord(nil), tabs...)
	}
	return nil
}

func (s *Store) Bootstrap(ctx context.Context, legacy *storage.LegacyDocument) (bool, error) {
	s.mu.Lock()
	if s.bootstrapDone {
		s.mu.Unlock()
		return false, nil
	}
	if legacy == nil || (len(legacy.Active) == 0 && len(legacy.Closed) == 0) || len(s.active)+len(s.closed) > 0 {
		s.bootstrapDone = true
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	tabs := make(map[string][]*types.TabRecord)
	for _, w := range legacy.Closed {
		var list []*types.TabRecord
		for i, u := range w.URLs {
			list = append(list, &types.TabRecord{PermanentID: w.PermanentID, Kind: types.KindClosed, URL: u, Index: i, CreatedAt: w.CreatedAt})
		}
		tabs[w.PermanentID] = list
	}
	if err := s.Import(ctx, storage.ImportData{Active: legacy.Active, Closed: legacy.Closed, Tabs: tabs}); err != nil {
		return false, coreerr.New(coreerr.KindStorageFailed, "Bootstrap", err)
	}
	s.mu.Lock()
	s.bootstrapDone = true
	s.mu.Unlock()
	return true, nil
}
