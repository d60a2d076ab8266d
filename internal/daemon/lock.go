package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// InstanceLock guards against two core processes owning the same workspace
// state directory at once (spec §9 Open Question: "a coarse lock that
// serializes imports against the apply path" generalizes here to serializing
// whole daemon instances per workspace).
type InstanceLock struct {
	fl *flock.Flock
}

// TryAcquireInstanceLock attempts a non-blocking exclusive lock on
// stateDir/daemon.lock. ok is false if another process already holds it.
func TryAcquireInstanceLock(stateDir string) (lock *InstanceLock, ok bool, err error) {
	fl := flock.New(filepath.Join(stateDir, "daemon.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("try lock %s: %w", stateDir, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &InstanceLock{fl: fl}, true, nil
}

// Release unlocks and closes the underlying lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
