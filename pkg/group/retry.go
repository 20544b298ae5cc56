package group

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tilinna/clock"

	"github.com/atlassian/gocluster/pkg/coordination"
)

// stoppedInterval paces retries when the backoff policy has no interval to offer, such as a
// disabled policy.
const stoppedInterval = time.Second

// retrier paces a retry loop.  It sleeps for the next backoff interval, but wakes early when the
// session reconnects so that recovery is not delayed by a long interval.  A policy which gives up
// starts over, the loops of a Group only end when their context is done.
type retrier struct {
	bo          backoff.BackOff
	reconnected chan struct{}
	remove      func()
}

func (g *Group) newRetrier() *retrier {
	r := &retrier{
		bo:          g.backoff(),
		reconnected: make(chan struct{}, 1),
	}
	r.remove = g.client.OnStateChange(func(state coordination.State) {
		if state != coordination.StateConnected {
			return
		}
		select {
		case r.reconnected <- struct{}{}:
		default:
		}
	})
	return r
}

// wait returns false if the context is done.
func (r *retrier) wait(ctx context.Context) bool {
	next := r.bo.NextBackOff()
	if next == backoff.Stop {
		r.bo.Reset()
		if next = r.bo.NextBackOff(); next == backoff.Stop {
			next = stoppedInterval
		}
	}
	timer := clock.NewTimer(ctx, next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-r.reconnected:
		return true
	}
}

func (r *retrier) reset() {
	r.bo.Reset()
}

func (r *retrier) close() {
	r.remove()
}
