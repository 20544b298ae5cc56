package singleton

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/serverset"
)

// DefeatOnDisconnectLeader wraps listener so that a leader resigns as soon as the client loses its
// connection, instead of waiting to learn whether the session survives.
//
// A resignation on a connection blip which the session would have survived costs availability, but
// it narrows the window in which two instances believe they lead: without it, a disconnected leader
// keeps leading until its session has expired, and the next leader may be elected before it notices.
//
// On disconnect listener.OnDefeated is called with a nil status, and the LeaderControl is left in the
// background, which retracts the advertised endpoint.
func DefeatOnDisconnectLeader(logger logrus.FieldLogger, client coordination.Client, listener LeadershipListener) LeadershipListener {
	return &defeatOnDisconnect{
		logger:   logger,
		client:   client,
		listener: listener,
	}
}

type defeatOnDisconnect struct {
	logger   logrus.FieldLogger
	client   coordination.Client
	listener LeadershipListener

	mu      sync.Mutex
	control *LeaderControl
	remove  func()
}

func (d *defeatOnDisconnect) OnLeading(control *LeaderControl) {
	d.mu.Lock()
	d.control = control
	d.mu.Unlock()

	d.listener.OnLeading(control)

	d.mu.Lock()
	if d.control == control {
		d.remove = d.client.OnStateChange(d.onStateChange)
	}
	d.mu.Unlock()
	// The connection may have been lost before the state listener was registered.
	d.onStateChange(d.client.State())
}

func (d *defeatOnDisconnect) OnDefeated(status *serverset.EndpointStatus, advertised bool) {
	if _, ok := d.takeControl(); !ok {
		return
	}
	d.listener.OnDefeated(status, advertised)
}

func (d *defeatOnDisconnect) onStateChange(state coordination.State) {
	if state == coordination.StateConnected {
		return
	}
	control, ok := d.takeControl()
	if !ok {
		return
	}
	d.logger.WithField("state", state).Warn("Lost connection while leading, resigning")
	d.listener.OnDefeated(nil, false)
	go func() {
		if err := control.Leave(context.Background()); err != nil {
			d.logger.WithError(err).Warn("Failed to leave after losing connection")
		}
	}()
}

// takeControl ends the current leadership, returning false if it has already ended, either here or
// because the leader left.
func (d *defeatOnDisconnect) takeControl() (*LeaderControl, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.control == nil {
		return nil, false
	}
	control := d.control
	d.control = nil
	if d.remove != nil {
		d.remove()
		d.remove = nil
	}
	return control, !control.hasLeft()
}
