package group

import (
	"context"

	"github.com/atlassian/gocluster/pkg/coordination"
)

// Listener receives the complete list of member ids, in sequence order, every time the group may
// have changed.  It is called from a single goroutine per watch and should not block for long.
type Listener func(ctx context.Context, ids []string)

// Watch subscribes listener to membership changes until stop is called.  The one-shot watches of the
// coordination service are re-armed after every firing and after the session recovers, so the
// listener sees every change, although changes close together may be coalesced into one call.
//
// If the client is connected the first listing is made before Watch returns, and an unretryable
// failure is returned as a *coordination.WatchError.  Otherwise the watch is established in the
// background, retrying until it succeeds or is stopped.  The listener is always called from the
// watch goroutine, never from Watch itself.
func (g *Group) Watch(ctx context.Context, listener Listener) (stop func(), err error) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var names []string
	var ch <-chan coordination.Event
	if g.client.State() == coordination.StateConnected {
		names, ch, err = g.children(ctx)
		switch {
		case err == nil:
		case !coordination.IsRetryable(err):
			cancel()
			return nil, &coordination.WatchError{Path: g.path, Err: err}
		default:
			g.logger.WithError(err).Info("Failed to watch group, retrying in the background")
			names, ch = nil, nil
		}
	}
	go g.watch(loopCtx, names, ch, listener)
	return cancel, nil
}

func (g *Group) watch(ctx context.Context, names []string, ch <-chan coordination.Event, listener Listener) {
	r := g.newRetrier()
	defer r.close()

	for {
		if ch == nil {
			var err error
			names, ch, err = g.children(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if coordination.IsRetryable(err) {
					g.logger.WithError(err).Debug("Transient failure watching group, retrying")
				} else {
					g.logger.WithError(err).Error("Failed to watch group, retrying")
				}
				g.metrics.RecordRetry(g.path, "watch")
				if !r.wait(ctx) {
					return
				}
				continue
			}
			r.reset()
		}
		if ctx.Err() != nil {
			return
		}
		listener(ctx, g.scheme.Sort(names))

		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			g.metrics.RecordWatchEvent(g.path)
			g.logger.WithField("event", ev.Type).Debug("Group watch fired")
			ch = nil
		}
	}
}
