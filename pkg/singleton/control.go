package singleton

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/serverset"
)

var (
	ErrAlreadyAdvertised = coordination.NewPreconditionError("endpoint already advertised")
	ErrAlreadyLeft       = coordination.NewPreconditionError("leadership already left")
	ErrDefeated          = coordination.NewPreconditionError("leadership lost")
)

type controlState int

const (
	unadvertised controlState = iota
	advertised
	left
)

// LeaderControl is handed to the leader of a singleton once per election.  The endpoint may be
// advertised once, and then leadership left once; both are synchronous calls to the coordination
// service.
type LeaderControl struct {
	lead     *lead
	abdicate func(ctx context.Context) error

	mu       sync.Mutex
	state    controlState
	defeated bool
	status   *serverset.EndpointStatus
}

// Advertise joins the endpoint to the Service's ServerSet.  It may only be called once, before
// Leave, and not after leadership has been lost.  A failure to join is a *coordination.UpdateError.
func (c *LeaderControl) Advertise(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == left:
		return ErrAlreadyLeft
	case c.defeated:
		return ErrDefeated
	case c.state == advertised:
		return ErrAlreadyAdvertised
	}
	status, err := c.lead.service.serverSet.Join(ctx, c.lead.instance)
	if err != nil {
		return &coordination.UpdateError{Op: "advertise", Err: err}
	}
	c.state = advertised
	c.status = status
	c.lead.service.logger.WithField("endpoint", c.lead.instance.ServiceEndpoint.String()).Info("Advertised singleton leader")
	return nil
}

// Leave retracts the advertised endpoint, if any, and then abdicates so that the next candidate is
// elected.  It may only be called once.  Both steps are attempted, and failures are combined into a
// *coordination.UpdateError.
func (c *LeaderControl) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == left {
		return ErrAlreadyLeft
	}
	var errs error
	if c.state == advertised {
		if err := c.status.Leave(ctx); err != nil && !errors.Is(err, serverset.ErrNotJoined) {
			var updateErr *coordination.UpdateError
			if errors.As(err, &updateErr) {
				err = updateErr.Err
			}
			errs = multierr.Append(errs, err)
		}
	}
	c.state = left
	if err := c.abdicate(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	c.lead.service.finish(c.lead)
	c.lead.service.logger.Info("Left singleton leadership")
	if errs != nil {
		return &coordination.UpdateError{Op: "retract", Err: errs}
	}
	return nil
}

// defeat records the loss of leadership, returning the advertised endpoint if there is one.
func (c *LeaderControl) defeat() (*serverset.EndpointStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defeated = true
	if c.state != advertised {
		return nil, false
	}
	return c.status, true
}

func (c *LeaderControl) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == left
}
