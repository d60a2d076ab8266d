package daemon

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/workspace-state-core/internal/host"
)

// RefreshFunc re-verifies one live window reported at startup (e.g.
// confirming it is still open and fetching its current tab URLs) before
// the daemon folds it into a host.Startup event. Implementations query
// whatever real host integration is wired in.
type RefreshFunc func(ctx context.Context, w host.LiveWindow) (host.LiveWindow, error)

// DefaultMaxConcurrentRefresh bounds how many windows are refreshed at
// once during startup reconciliation.
const DefaultMaxConcurrentRefresh = 8

// ReconcileStartupWindows refreshes every window in windows concurrently
// (bounded by maxConcurrent), returning the refreshed list in the same
// order. It surfaces the first hard error and cancels the remaining
// in-flight refreshes, per spec §4.4 "Reconciliation on startup enumerates
// live host windows" realized with a bounded errgroup fan-out.
func ReconcileStartupWindows(ctx context.Context, windows []host.LiveWindow, maxConcurrent int, refresh RefreshFunc) ([]host.LiveWindow, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRefresh
	}
	out := make([]host.LiveWindow, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			refreshed, err := refresh(gctx, w)
			if err != nil {
				return err
			}
			out[i] = refreshed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
