package statemgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/host"
	"github.com/untoldecay/workspace-state-core/internal/identity"
	"github.com/untoldecay/workspace-state-core/internal/queue"
	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/storage/memory"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *host.NullCommands) {
	t.Helper()
	cmds := host.NewNullCommands(100)
	m := New(Deps{
		Store:        memory.New(),
		Registry:     identity.New(),
		Bus:          broadcast.New(4),
		HostCommands: cmds,
		QueueConfig:  queue.Config{DebounceTime: 10 * time.Millisecond, MaxQueueSize: 100, Validate: true},
	})
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, cmds
}

func TestCreateThenRenamePersists(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, 1, []string{"https://example.com/a"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if ws.DisplayName != "example.com" {
		t.Fatalf("expected derived name example.com, got %q", ws.DisplayName)
	}

	if err := m.RenameWorkspace(ctx, ws.PermanentID, "  My   Space \n"); err != nil {
		t.Fatalf("RenameWorkspace: %v", err)
	}

	snap := m.GetState()
	if len(snap.Active) != 1 || snap.Active[0].DisplayName != "My Space" || !snap.Active[0].IsNamed {
		t.Fatalf("expected normalized name 'My Space', got %+v", snap.Active)
	}
	if snap.Active[0].Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", snap.Active[0].Version)
	}

	persisted, err := m.store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(persisted.Active) != 1 || persisted.Active[0].DisplayName != "My Space" {
		t.Fatalf("expected renamed workspace persisted as 'My Space', got %+v", persisted.Active)
	}
}

func TestCloseThenRestorePreservesURLOrder(t *testing.T) {
	m, cmds := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, 1, []string{"https://a", "https://b", "https://c"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if err := m.CloseWorkspace(ctx, 1); err != nil {
		t.Fatalf("CloseWorkspace: %v", err)
	}

	snap := m.GetState()
	if len(snap.Active) != 0 || len(snap.Closed) != 1 {
		t.Fatalf("expected workspace moved to closed, got active=%d closed=%d", len(snap.Active), len(snap.Closed))
	}

	newWindowID, err := m.RestoreWorkspace(ctx, ws.PermanentID)
	if err != nil {
		t.Fatalf("RestoreWorkspace: %v", err)
	}
	if newWindowID == 1 {
		t.Fatal("expected restore to bind a freshly created window, not reuse the prior window_id")
	}
	if len(cmds.Created()) != 1 {
		t.Fatalf("expected exactly one host CreateWindow call, got %d", len(cmds.Created()))
	}

	snap = m.GetState()
	if len(snap.Active) != 1 || len(snap.Closed) != 0 {
		t.Fatalf("expected workspace restored to active, got active=%d closed=%d", len(snap.Active), len(snap.Closed))
	}
	got := snap.Active[0].URLs
	want := []string{"https://a", "https://b", "https://c"}
	for i, u := range want {
		if got[i] != u {
			t.Fatalf("expected url order preserved across close/restore, got %v", got)
		}
	}
}

func TestConcurrentRestoreCollapsesToOneHostCall(t *testing.T) {
	m, cmds := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, 1, []string{"https://a"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if err := m.CloseWorkspace(ctx, 1); err != nil {
		t.Fatalf("CloseWorkspace: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]int, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.RestoreWorkspace(ctx, ws.PermanentID)
		}()
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("unexpected errors: %v %v", errs[0], errs[1])
	}
	if results[0] != results[1] {
		t.Fatalf("expected both concurrent restores to return the same window_id, got %d and %d", results[0], results[1])
	}
	if len(cmds.Created()) != 1 {
		t.Fatalf("expected duplicate restores to collapse into one host call, got %d", len(cmds.Created()))
	}
}

// ignoreVolatileFields lists the fields an export/import round trip does not
// preserve: Version and LastModified, which import bumps, and CreatedAt and
// LastUsed, which the export document does not carry and import resets.
var ignoreVolatileFields = cmpopts.IgnoreFields(types.Workspace{}, "Version", "CreatedAt", "LastUsed", "LastModified")

func TestExportImportRoundTripEqualIgnoringVersionAndTimestamps(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ws, err := m.CreateWorkspace(ctx, 1, []string{"https://a", "https://b"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if err := m.RenameWorkspace(ctx, ws.PermanentID, "Research"); err != nil {
		t.Fatalf("RenameWorkspace: %v", err)
	}
	if err := m.CloseWorkspace(ctx, 1); err != nil {
		t.Fatalf("CloseWorkspace: %v", err)
	}
	before := m.GetState()

	doc, err := m.ExportDocument("test", "")
	if err != nil {
		t.Fatalf("ExportDocument: %v", err)
	}
	if _, err := m.ImportDocument(ctx, doc, types.ImportOptions{ReplaceExisting: true}); err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	after := m.GetState()

	if diff := cmp.Diff(before.Closed, after.Closed, ignoreVolatileFields); diff != "" {
		t.Fatalf("closed workspaces differ after export/import round trip beyond version/timestamps (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Active, after.Active, ignoreVolatileFields); diff != "" {
		t.Fatalf("active workspaces differ after export/import round trip beyond version/timestamps (-before +after):\n%s", diff)
	}
}

func TestUnknownWorkspaceRenameReturnsBatchRejected(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.RenameWorkspace(context.Background(), "does-not-exist", "New Name")
	if coreerr.KindOf(err) != coreerr.KindBatchRejected {
		t.Fatalf("expected BatchRejected, got %v", err)
	}
	var ce *coreerr.CoreError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a CoreError, got %T", err)
	}
	if coreerr.KindOf(ce.Err) != coreerr.KindUnknownWorkspace {
		t.Fatalf("expected cause UnknownWorkspace, got %v", ce.Err)
	}
}

func TestEmptyNameRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	ws, _ := m.CreateWorkspace(ctx, 1, nil)

	err := m.RenameWorkspace(ctx, ws.PermanentID, "   \t\n  ")
	var ce *coreerr.CoreError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CoreError, got %v", err)
	}
	if coreerr.KindOf(ce.Err) != coreerr.KindEmptyName {
		t.Fatalf("expected cause EmptyName, got %v", ce.Err)
	}
}

func TestDuplicateWindowRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.CreateWorkspace(ctx, 1, nil); err != nil {
		t.Fatalf("first CreateWorkspace: %v", err)
	}
	_, err := m.CreateWorkspace(ctx, 1, nil)
	var ce *coreerr.CoreError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CoreError, got %v", err)
	}
	if coreerr.KindOf(ce.Err) != coreerr.KindDuplicateWindow {
		t.Fatalf("expected cause DuplicateWindow, got %v", ce.Err)
	}
}

func TestStorageFailureIsolatesWithoutBroadcast(t *testing.T) {
	failing := &failingStore{Store: memory.New()}
	cmds := host.NewNullCommands(1)
	bus := broadcast.New(4)
	m := New(Deps{
		Store:        failing,
		Registry:     identity.New(),
		Bus:          bus,
		HostCommands: cmds,
		QueueConfig:  queue.Config{DebounceTime: 5 * time.Millisecond, MaxQueueSize: 100},
	})
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var broadcasts atomic.Int32
	bus.Subscribe("observer", broadcast.SubscriberFunc(func(types.StateUpdated) { broadcasts.Add(1) }))

	failing.failNext = true
	_, err := m.CreateWorkspace(context.Background(), 1, nil)
	if coreerr.KindOf(err) != coreerr.KindStorageFailed {
		t.Fatalf("expected StorageFailed, got %v", err)
	}

	snap := m.GetState()
	if len(snap.Active) != 0 {
		t.Fatalf("expected in-memory state untouched after storage failure, got %+v", snap.Active)
	}
	if n := broadcasts.Load(); n != 0 {
		t.Fatalf("expected no broadcast after storage failure, got %d", n)
	}
}

// failingStore wraps memory.Store and fails the next SaveBatch call once,
// to exercise the "persistence error aborts the batch without broadcasting"
// path (spec §4.2/§4.4).
type failingStore struct {
	*memory.Store
	failNext bool
}

func (f *failingStore) SaveBatch(ctx context.Context, batch storage.Batch) error {
	if f.failNext {
		f.failNext = false
		return errors.New("simulated disk failure")
	}
	return f.Store.SaveBatch(ctx, batch)
}
