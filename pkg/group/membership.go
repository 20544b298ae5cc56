package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ash2k/stager/wait"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/metrics"
)

// Membership is a handle on one member of a Group.  It keeps the member node alive until it is
// cancelled, recreating it if it disappears.
type Membership struct {
	group  *Group
	logger logrus.FieldLogger
	data   func() ([]byte, error)
	onLose func()
	owner  string // tags every node of this membership, see NodeScheme

	// unsure is set when a create failed in a way which does not tell whether the node was made.
	// Only the goroutine creating nodes touches it.
	unsure bool

	cancel   context.CancelFunc
	wg       wait.Group
	finished chan struct{} // closed by Cancel, holds wg open until any delete retry has started
	done     chan struct{}

	mu        sync.Mutex
	path      string // current member node, empty while there is none
	cancelled bool
	err       error
}

// Join adds a member to the group.  data is called for every attempt to create the member node, so
// each attempt advertises fresh content.  onLose, which may be nil, is called from the membership
// goroutine whenever the member node disappears before the membership is cancelled (for example
// because the session expired); the node is recreated after it returns unless the membership has
// been cancelled.
//
// If the client is connected the first attempt is made before Join returns, and an unretryable
// failure is returned as a *coordination.JoinError.  Otherwise Join returns immediately and the
// node is created in the background, retrying transient failures until the membership is
// cancelled.
//
// ctx only bounds the first attempt; the membership lives until Cancel.
func (g *Group) Join(ctx context.Context, data func() ([]byte, error), onLose func()) (*Membership, error) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Membership{
		group:    g,
		logger:   g.logger,
		data:     data,
		onLose:   onLose,
		owner:    uuid.NewString(),
		cancel:   cancel,
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if g.client.State() == coordination.StateConnected {
		path, err := m.create(ctx)
		switch {
		case err == nil:
			m.path = path
		case !coordination.IsRetryable(err):
			cancel()
			close(m.done)
			return nil, &coordination.JoinError{Path: g.path, Err: err}
		default:
			m.logger.WithError(err).Info("Failed to join group, retrying in the background")
		}
	}
	m.wg.Start(func() {
		<-m.finished
	})
	m.wg.StartWithContext(loopCtx, m.run)
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m, nil
}

// ID returns the name of the member node, if it currently exists.
func (m *Membership) ID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return "", false
	}
	return coordination.BaseName(m.path), true
}

// Path returns the full path of the member node, or the empty string if it does not currently exist.
func (m *Membership) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Done is closed once the membership has been cancelled and every goroutine of it has exited,
// including any background retry of the delete.
func (m *Membership) Done() <-chan struct{} {
	return m.done
}

// Err returns the unretryable error which stopped the membership, if any.
func (m *Membership) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Cancel stops the membership and deletes the member node.  It is safe to call more than once, only
// the first call does anything.
//
// If the delete fails with a transient error it is retried in the background until it succeeds or
// the node is otherwise gone, and the error is still returned.  The session expiring removes the
// node eventually in any case.
func (m *Membership) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return nil
	}
	m.cancelled = true
	path := m.path
	m.path = ""
	m.mu.Unlock()
	m.cancel()
	defer close(m.finished)

	if path == "" {
		return nil
	}
	err := m.group.client.Delete(ctx, path)
	if err == nil || errors.Is(err, coordination.ErrNoNode) {
		m.logger.WithField("member", coordination.BaseName(path)).Debug("Left group")
		return nil
	}
	if coordination.IsRetryable(err) {
		m.logger.WithError(err).WithField("member", coordination.BaseName(path)).Warn("Failed to delete member node, retrying in the background")
		m.wg.StartWithContext(context.WithoutCancel(ctx), func(ctx context.Context) {
			m.retryDelete(ctx, path)
		})
	}
	return fmt.Errorf("failed to delete member node %s: %w", path, err)
}

func (m *Membership) create(ctx context.Context) (string, error) {
	if m.unsure {
		path, ok, err := m.group.findOwned(ctx, m.owner)
		if err != nil {
			return "", err
		}
		m.unsure = false
		if ok {
			m.group.metrics.RecordJoinAttempt(m.group.path, metrics.ResultSuccess)
			m.logger.WithField("member", coordination.BaseName(path)).Info("Found member node created by an unacknowledged attempt")
			return path, nil
		}
	}
	data, err := m.data()
	if err != nil {
		m.group.metrics.RecordJoinAttempt(m.group.path, metrics.ResultFailed)
		return "", fmt.Errorf("failed to produce member data: %w", err)
	}
	path, err := m.group.create(ctx, m.owner, data)
	switch {
	case err == nil:
		m.group.metrics.RecordJoinAttempt(m.group.path, metrics.ResultSuccess)
		m.logger.WithField("member", coordination.BaseName(path)).Debug("Joined group")
	case coordination.IsRetryable(err):
		m.group.metrics.RecordJoinAttempt(m.group.path, metrics.ResultRetryable)
		// An expired session took any node it created with it.
		m.unsure = !errors.Is(err, coordination.ErrSessionExpired)
	default:
		m.group.metrics.RecordJoinAttempt(m.group.path, metrics.ResultFailed)
	}
	return path, err
}

// run keeps the member node alive: it creates the node if there is none, then waits on an existence
// watch for it to disappear.
func (m *Membership) run(ctx context.Context) {
	r := m.group.newRetrier()
	defer r.close()

	for ctx.Err() == nil {
		path := m.Path()
		if path == "" {
			var err error
			if path, err = m.create(ctx); err != nil {
				if !m.handleError(ctx, r, "join", err) {
					return
				}
				continue
			}
			if !m.setPath(ctx, path) {
				return
			}
			r.reset()
		}

		exists, ch, err := m.group.client.Exists(ctx, path)
		if err != nil {
			if !m.handleError(ctx, r, "join", err) {
				return
			}
			continue
		}
		if exists {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				if ev.Type != coordination.EventNodeDeleted {
					// Data changes and dropped watches just need the watch re-armed.
					continue
				}
			}
		}
		m.lost(path)
	}
}

// setPath records a newly created node.  If the membership was cancelled while the node was being
// created Cancel could not see it, so it is deleted here instead.
func (m *Membership) setPath(ctx context.Context, path string) bool {
	m.mu.Lock()
	if !m.cancelled {
		m.path = path
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	if err := m.group.client.Delete(context.WithoutCancel(ctx), path); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		m.logger.WithError(err).WithField("member", coordination.BaseName(path)).Warn("Failed to delete member node created after cancellation")
	}
	return false
}

func (m *Membership) lost(path string) {
	m.mu.Lock()
	if m.cancelled || m.path != path {
		m.mu.Unlock()
		return
	}
	m.path = ""
	m.mu.Unlock()

	m.group.metrics.RecordMembershipLost(m.group.path)
	m.logger.WithField("member", coordination.BaseName(path)).Info("Member node lost, rejoining")
	if m.onLose != nil {
		m.onLose()
	}
}

// handleError waits before the next attempt after a retryable error.  It returns false if the loop
// must stop, recording unretryable errors.
func (m *Membership) handleError(ctx context.Context, r *retrier, op string, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if !coordination.IsRetryable(err) {
		m.fail(err)
		return false
	}
	m.group.metrics.RecordRetry(m.group.path, op)
	m.logger.WithError(err).Debug("Transient failure, retrying")
	return r.wait(ctx)
}

func (m *Membership) fail(err error) {
	err = &coordination.JoinError{Path: m.group.path, Err: err}
	m.logger.WithError(err).Error("Membership stopped")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *Membership) retryDelete(ctx context.Context, path string) {
	r := m.group.newRetrier()
	defer r.close()
	logger := m.logger.WithField("member", coordination.BaseName(path))

	for r.wait(ctx) {
		err := m.group.client.Delete(ctx, path)
		switch {
		case err == nil, errors.Is(err, coordination.ErrNoNode):
			logger.Info("Deleted member node")
			return
		case errors.Is(err, coordination.ErrSessionExpired):
			logger.Info("Session expired, member node is gone")
			return
		case !coordination.IsRetryable(err):
			logger.WithError(err).Error("Failed to delete member node")
			return
		}
		m.group.metrics.RecordRetry(m.group.path, "delete")
	}
}
