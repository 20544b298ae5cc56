package util

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// InterruptableSleep will sleep for the specified duration, or until the context is
// cancelled, whichever comes first.  Returns true if the sleep completes, false if
// the context is canceled.  The clock is taken from the context.
func InterruptableSleep(ctx context.Context, d time.Duration) bool {
	timer := clock.NewTimer(ctx, d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
