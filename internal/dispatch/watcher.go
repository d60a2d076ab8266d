package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem changes to the legacy bootstrap document or the
// sqlite file's directory into the Reload observer request (spec §6
// "Reload: re-read persistence after external edit"), so an out-of-process
// edit (a restored backup, a hand-edited legacy store) is picked up without
// waiting for the next host event or observer command. Adapted from the
// teacher's viper config-file watch (itself fsnotify-backed); this package
// owns the wiring because Reload is a Dispatcher operation.
type Watcher struct {
	fsw      *fsnotify.Watcher
	d        *Dispatcher
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher over d. Call Watch to add paths, then Run to
// start processing events.
func NewWatcher(d *Dispatcher, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{fsw: fsw, d: d, logger: logger, debounce: 200 * time.Millisecond}, nil
}

// Watch adds a path (file or directory) to the watch set. Safe to call
// before or after Run.
func (w *Watcher) Watch(path string) error {
	return w.fsw.Add(path)
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run processes filesystem events until ctx is canceled, debouncing bursts
// of writes into a single Reload dispatch (mirroring the Update Queue's own
// debounce discipline so a multi-write external edit doesn't trigger a
// reload storm).
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	reload := func() {
		if _, err := w.d.Dispatch(ctx, OpReload, nil); err != nil {
			w.logger.Warn("reload after external edit failed", "error", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, reload)
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watch error", "error", err)
		}
	}
}
