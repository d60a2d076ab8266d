// Package daemon implements process lifecycle concerns that sit outside
// the core proper but are required to run it as a long-lived process: a
// registry of running cores, stale-entry cleanup, and a single-instance-
// per-workspace file lock. The on-disk shape (file-locked read-modify-write,
// atomic rename writes, liveness-checked cleanup on List) is adapted from
// the teacher's internal/daemon package, but the entry itself is widened
// past generic PID bookkeeping: each entry also carries the set of
// permanent_ids the instance's state held at registration time, so the
// registry can flag an identity-uniqueness violation (spec §3, §8.1) across
// instances instead of only detecting "is a PID alive."
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// RegistryEntry is one running core process, as recorded in the registry
// file.
type RegistryEntry struct {
	WorkspacePath string    `json:"workspace_path"`
	SocketPath    string    `json:"socket_path"`
	DatabasePath  string    `json:"database_path"`
	PID           int       `json:"pid"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"started_at"`

	// PermanentIDs is the set of workspace permanent_ids (spec §3) this
	// instance's in-memory model held as of registration. It lets
	// DetectIdentityCollisions notice two instances claiming the same
	// permanent_id — something a bare PID/path registry cannot see, and a
	// real failure mode if a workspace state directory is ever copied or
	// synced instead of owned by a single daemon (spec §5 single-writer
	// discipline).
	PermanentIDs []string `json:"permanent_ids,omitempty"`
}

// Registry manages the global ~/.wscore/registry.json file.
type Registry struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewRegistry opens (creating if needed) the registry at
// ~/.wscore/registry.json.
func NewRegistry() (*Registry, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return newRegistryAt(filepath.Join(home, ".wscore"))
}

// newRegistryAt builds a Registry rooted at dir, exposed for tests that
// want a hermetic temp directory instead of the real ~/.wscore.
func newRegistryAt(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Registry{
		path:     filepath.Join(dir, "registry.json"),
		lockPath: filepath.Join(dir, "registry.lock"),
	}, nil
}

// withFileLock runs fn while holding an exclusive flock on the registry's
// lock file, serializing read-modify-write across processes.
func (r *Registry) withFileLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl := flock.New(r.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	defer fl.Unlock()

	return fn()
}

func (r *Registry) readEntriesLocked() ([]RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupted registry just means we rediscover running cores.
		return nil, nil
	}
	return entries, nil
}

func (r *Registry) writeEntriesLocked(entries []RegistryEntry) error {
	if entries == nil {
		entries = []RegistryEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "registry-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Register records entry, replacing any prior entry for the same
// workspace path or PID.
func (r *Registry) Register(entry RegistryEntry) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.WorkspacePath != entry.WorkspacePath && e.PID != entry.PID {
				filtered = append(filtered, e)
			}
		}
		filtered = append(filtered, entry)
		return r.writeEntriesLocked(filtered)
	})
}

// Unregister removes the entry for workspacePath/pid.
func (r *Registry) Unregister(workspacePath string, pid int) error {
	return r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.WorkspacePath != workspacePath && e.PID != pid {
				filtered = append(filtered, e)
			}
		}
		return r.writeEntriesLocked(filtered)
	})
}

// List returns every currently-registered entry whose PID is still alive,
// pruning stale entries from the on-disk registry as a side effect.
func (r *Registry) List() ([]RegistryEntry, error) {
	var alive []RegistryEntry
	err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if isProcessAlive(e.PID) {
				alive = append(alive, e)
			}
		}
		if len(alive) != len(entries) {
			if err := r.writeEntriesLocked(alive); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to prune stale registry entries: %v\n", err)
			}
		}
		return nil
	})
	return alive, err
}

// Clear removes every entry (for tests).
func (r *Registry) Clear() error {
	return r.withFileLock(func() error { return r.writeEntriesLocked(nil) })
}

// DetectIdentityCollisions returns every permanent_id held by more than one
// currently-alive registered instance, sorted for determinism. A non-empty
// result means the core's identity-uniqueness invariant (spec §3, tested
// property §8.1) is at risk across processes — e.g. two daemons pointed at
// copies of the same state directory — even though each instance's own
// in-memory model is internally consistent.
func (r *Registry) DetectIdentityCollisions() ([]string, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	seenBy := make(map[string]int)
	for _, e := range entries {
		for _, id := range e.PermanentIDs {
			seenBy[id]++
		}
	}
	var collisions []string
	for id, n := range seenBy {
		if n > 1 {
			collisions = append(collisions, id)
		}
	}
	sort.Strings(collisions)
	return collisions, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	return proc.Signal(syscall.Signal(0)) == nil
}
