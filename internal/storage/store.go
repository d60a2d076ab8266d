// Package storage defines the Persistence Layer contract (spec §4.2): a
// typed, transactional record store over four keyed collections
// (active_spaces, closed_spaces, tabs_by_space, meta), with a single-writer
// discipline and a one-shot legacy-bootstrap import path. Two
// implementations share this interface: sqlite.Store (real) and
// memory.Store (fast, for tests).
package storage

import (
	"context"

	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Batch is the union of touched records for one apply-batch commit (spec
// §4.4 "persist the union of touched records in one transaction"). Every
// field is optional; a zero-value Batch is a no-op commit.
type Batch struct {
	UpsertActive []*types.Workspace
	UpsertClosed []*types.Workspace

	// DeleteActive/DeleteClosed remove a permanent_id from the named
	// collection outright (e.g. delete_closed's cascade, or an import's
	// replace_existing overwrite of the opposite collection).
	DeleteActive []string
	DeleteClosed []string

	// ReplaceTabs fully replaces the tab rows for a permanent_id (used on
	// close, and by any mutation that changes URL order/membership).
	ReplaceTabs map[string][]*types.TabRecord
	// DeleteTabs removes all tab rows for a permanent_id (used on
	// delete_closed and on import replace-collisions).
	DeleteTabs []string

	BindMappings    []identity.Mapping
	UnbindWindowIDs []int

	SetMeta map[string]string
}

// Empty reports whether the batch has nothing to commit.
func (b Batch) Empty() bool {
	return len(b.UpsertActive) == 0 && len(b.UpsertClosed) == 0 &&
		len(b.DeleteActive) == 0 && len(b.DeleteClosed) == 0 &&
		len(b.ReplaceTabs) == 0 && len(b.DeleteTabs) == 0 &&
		len(b.BindMappings) == 0 && len(b.UnbindWindowIDs) == 0 &&
		len(b.SetMeta) == 0
}

// LoadResult is the fully reconstructed on-disk state, as returned by
// LoadAll at startup. Closed workspaces' URLs are reassembled from
// tabs_by_space, sorted by Index ascending (spec §3 invariant).
type LoadResult struct {
	Active        []*types.Workspace
	Closed        []*types.Workspace
	Mappings      []identity.Mapping
	BootstrapDone bool
	SchemaVersion int
}

// ExportData is the raw, still-typed contents of the active, closed and tab
// collections plus the schema version, as returned by Store.Export.
type ExportData struct {
	Active   []*types.Workspace
	Closed   []*types.Workspace
	Tabs     map[string][]*types.TabRecord
	SchemaVersion int
}

// ImportData is the inverse of ExportData: what Import overwrites all four
// collections with, under the single-writer lock (spec §4.2).
type ImportData struct {
	Active []*types.Workspace
	Closed []*types.Workspace
	Tabs   map[string][]*types.TabRecord
}

// Store is the Persistence Layer contract. All methods are safe for
// concurrent use; SaveBatch/Import/Clear/Bootstrap internally serialize
// writers while LoadAll/Export run concurrently with each other and with
// writers that haven't yet committed (spec §4.2, §5).
type Store interface {
	// LoadAll reconstructs the full on-disk state, reassembling closed
	// workspace URLs from tabs_by_space.
	LoadAll(ctx context.Context) (*LoadResult, error)

	// SaveBatch commits every touched record in Batch atomically: all or
	// nothing (spec §4.2 "atomic batch writes").
	SaveBatch(ctx context.Context, batch Batch) error

	// Clear truncates all four collections.
	Clear(ctx context.Context) error

	// Export returns the raw stored contents as ExportData. The
	// Import/Export Engine builds export documents from the State Manager's
	// snapshot, not from this method.
	Export(ctx context.Context) (*ExportData, error)

	// Import overwrites all four collections under the single-writer lock
	// (spec §4.2 "Import: overwrites all four collections under the same
	// lock").
	Import(ctx context.Context, data ImportData) error

	// Bootstrap performs the one-shot legacy-store migration if the store
	// is empty and bootstrap has not already run, setting
	// meta.bootstrap_done afterward. It reports whether a migration
	// actually ran.
	Bootstrap(ctx context.Context, legacy *LegacyDocument) (bool, error)

	// Close releases underlying resources (file handles, locks).
	Close() error

	// Path reports the backing file path, for daemon validation and
	// logging. Implementations with no backing file (memory.Store) return
	// an empty string.
	Path() string
}

// LegacyDocument is the translated shape of the prior key-value store's
// "workspaces" document (spec §4.2 Bootstrap), produced by
// internal/storage/legacybootstrap.
type LegacyDocument struct {
	Active []*types.Workspace
	Closed []*types.Workspace
}
