// Package appctx gives the two schedulers a way to outlive the daemon's
// top-level cancellation just long enough to finish work already in flight.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bound to its own timeout rather than to
// parent's cancellation, so a delivery or check fire that's already running
// when the daemon starts shutting down gets a fixed grace period instead of
// being cut off mid-write. It still ends early if stopCh closes first,
// mirroring a scheduler's own Stop() rather than the process-wide signal
// context that triggered it.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
