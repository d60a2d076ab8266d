package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/untoldecay/workspace-state-core/internal/storage"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

func setupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "wscore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open store: %v", err)
	}

	return store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestOpenRefusesSecondInstance(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "wscore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "test.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected second Open against the same path to fail")
	}
}

func TestSaveBatchAndLoadAllRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	w := &types.Workspace{PermanentID: "p1", DisplayName: "Work", URLs: []string{"https://a", "https://b"}, IsActive: true, WindowID: 3, CreatedAt: 1, LastUsed: 1, LastModified: 1, Version: 1}
	if err := store.SaveBatch(ctx, storage.Batch{UpsertActive: []*types.Workspace{w}}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	res, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(res.Active) != 1 || res.Active[0].PermanentID != "p1" {
		t.Fatalf("expected active workspace p1, got %+v", res.Active)
	}
	if len(res.Active[0].URLs) != 2 {
		t.Fatalf("expected 2 urls, got %d", len(res.Active[0].URLs))
	}
}

func TestClosedWorkspaceURLsReassembledFromTabs(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	closedWS := &types.Workspace{PermanentID: "p2", DisplayName: "Archived", CreatedAt: 1, LastUsed: 1, LastModified: 1, Version: 1}
	tabs := []*types.TabRecord{
		{TabID: "t2", PermanentID: "p2", Kind: types.KindClosed, URL: "https://second", Index: 1, CreatedAt: 1},
		{TabID: "t1", PermanentID: "p2", Kind: types.KindClosed, URL: "https://first", Index: 0, CreatedAt: 1},
	}
	err := store.SaveBatch(ctx, storage.Batch{
		UpsertClosed: []*types.Workspace{closedWS},
		ReplaceTabs:  map[string][]*types.TabRecord{"p2": tabs},
	})
	if err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	res, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(res.Closed) != 1 {
		t.Fatalf("expected one closed workspace, got %d", len(res.Closed))
	}
	got := res.Closed[0].URLs
	if len(got) != 2 || got[0] != "https://first" || got[1] != "https://second" {
		t.Fatalf("expected urls sorted by index, got %v", got)
	}
}

func TestBootstrapIsOneShot(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	legacy := &storage.LegacyDocument{
		Active: []*types.Workspace{{PermanentID: "legacy-1", DisplayName: "Old", URLs: []string{"https://old"}, IsActive: true, WindowID: 1}},
	}

	ran, err := store.Bootstrap(ctx, legacy)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !ran {
		t.Fatal("expected first bootstrap to run")
	}

	ran2, err := store.Bootstrap(ctx, legacy)
	if err != nil {
		t.Fatalf("Bootstrap second call: %v", err)
	}
	if ran2 {
		t.Fatal("expected bootstrap not to run twice")
	}
}

func TestImportOverwritesExistingData(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.SaveBatch(ctx, storage.Batch{UpsertActive: []*types.Workspace{{PermanentID: "stale", CreatedAt: 1, LastUsed: 1, LastModified: 1, Version: 1}}})

	err := store.Import(ctx, storage.ImportData{
		Active: []*types.Workspace{{PermanentID: "fresh", IsActive: true, CreatedAt: 1, LastUsed: 1, LastModified: 1, Version: 1}},
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	res, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(res.Active) != 1 || res.Active[0].PermanentID != "fresh" {
		t.Fatalf("expected import to overwrite active collection, got %+v", res.Active)
	}
}
