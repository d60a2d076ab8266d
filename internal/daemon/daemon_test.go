package daemon

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/untoldecay/workspace-state-core/internal/host"
)

func TestRegistryRegisterListUnregister(t *testing.T) {
	r, err := newRegistryAt(t.TempDir())
	if err != nil {
		t.Fatalf("newRegistryAt: %v", err)
	}

	entry := RegistryEntry{WorkspacePath: "/tmp/ws1", SocketPath: "/tmp/ws1/wscore.sock", PID: os.Getpid(), StartedAt: time.Now()}
	if err := r.Register(entry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].WorkspacePath != entry.WorkspacePath {
		t.Fatalf("List = %+v, want one entry matching %+v", entries, entry)
	}

	if err := r.Unregister(entry.WorkspacePath, entry.PID); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	entries, err = r.List()
	if err != nil {
		t.Fatalf("List after unregister: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("List after unregister = %+v, want empty", entries)
	}
}

func TestRegistryPrunesDeadPID(t *testing.T) {
	r, err := newRegistryAt(t.TempDir())
	if err != nil {
		t.Fatalf("newRegistryAt: %v", err)
	}
	// A PID astronomically unlikely to be alive.
	if err := r.Register(RegistryEntry{WorkspacePath: "/tmp/dead", PID: 1 << 30}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	entries, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("List = %+v, want stale entry pruned", entries)
	}
}

func TestRegistryDetectIdentityCollisions(t *testing.T) {
	r, err := newRegistryAt(t.TempDir())
	if err != nil {
		t.Fatalf("newRegistryAt: %v", err)
	}

	// Seeded directly (bypassing Register's same-PID eviction, which
	// assumes one entry per process) to simulate two daemon instances that
	// ended up sharing a permanent_id.
	entryA := RegistryEntry{WorkspacePath: "/tmp/a", PID: os.Getpid(), PermanentIDs: []string{"p1", "p2"}}
	entryB := RegistryEntry{WorkspacePath: "/tmp/b", PID: os.Getpid(), PermanentIDs: []string{"p2", "p3"}}
	if err := r.withFileLock(func() error { return r.writeEntriesLocked([]RegistryEntry{entryA, entryB}) }); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	collisions, err := r.DetectIdentityCollisions()
	if err != nil {
		t.Fatalf("DetectIdentityCollisions: %v", err)
	}
	if len(collisions) != 1 || collisions[0] != "p2" {
		t.Fatalf("collisions = %v, want [p2]", collisions)
	}
}

func TestInstanceLockExclusive(t *testing.T) {
	dir := t.TempDir()
	lock1, ok, err := TryAcquireInstanceLock(dir)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	defer lock1.Release()

	_, ok2, err := TryAcquireInstanceLock(dir)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok2 {
		t.Fatal("second acquire succeeded while first still held")
	}
}

func TestReconcileStartupWindowsRefreshesAll(t *testing.T) {
	windows := []host.LiveWindow{
		{WindowID: 1, URLs: []string{"https://a.example"}},
		{WindowID: 2, URLs: []string{"https://b.example"}},
	}
	refreshed, err := ReconcileStartupWindows(context.Background(), windows, 2, func(ctx context.Context, w host.LiveWindow) (host.LiveWindow, error) {
		w.URLs = append(w.URLs, "https://refreshed.example")
		return w, nil
	})
	if err != nil {
		t.Fatalf("ReconcileStartupWindows: %v", err)
	}
	for i, w := range refreshed {
		if len(w.URLs) != 2 {
			t.Errorf("window %d URLs = %v, want 2 entries", i, w.URLs)
		}
	}
}

func TestReconcileStartupWindowsSurfacesFirstError(t *testing.T) {
	windows := []host.LiveWindow{{WindowID: 1}, {WindowID: 2}}
	wantErr := errors.New("boom")
	_, err := ReconcileStartupWindows(context.Background(), windows, 2, func(ctx context.Context, w host.LiveWindow) (host.LiveWindow, error) {
		if w.WindowID == 2 {
			return host.LiveWindow{}, wantErr
		}
		return w, nil
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
