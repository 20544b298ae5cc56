package fixtures

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// NewAdvancingClock attaches a virtual clock to a context which advances at full speed (not wall
// speed), so retry loops sleeping on it run without delay.  The returned func stops the clock, it
// also stops if the context is canceled.
func NewAdvancingClock(ctx context.Context) (context.Context, func()) {
	clck := clock.NewMock(time.Unix(1, 0))
	ctx = clock.Context(ctx, clck)
	ch := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				return
			case <-ctx.Done():
				return
			default:
				if _, d := clck.AddNext(); d == 0 {
					time.Sleep(time.Microsecond) // Nothing is waiting, let the sleeper catch up.
				}
			}
		}
	}()
	return ctx, func() {
		close(ch)
	}
}
