package serverset

import (
	"sync"

	"github.com/atlassian/gocluster/pkg/coordination"
)

// connectionCell delivers connection state to a listener exactly when it changes.  Every state
// change bumps the version, which lets the initial delivery detect that a change was delivered
// while it was reading the state, in which case the change is newer and the initial read is
// dropped.
type connectionCell struct {
	listener  Listener
	onDeliver func(connected bool)

	mu        sync.Mutex
	version   uint64
	delivered bool
	connected bool
}

func (c *connectionCell) update(state coordination.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.deliverLocked(state == coordination.StateConnected)
}

func (c *connectionCell) initial(read func() coordination.State) {
	c.mu.Lock()
	version := c.version
	c.mu.Unlock()

	connected := read() == coordination.StateConnected

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != version {
		return
	}
	c.deliverLocked(connected)
}

func (c *connectionCell) deliverLocked(connected bool) {
	if c.delivered && c.connected == connected {
		return
	}
	c.delivered = true
	c.connected = connected
	if c.onDeliver != nil {
		c.onDeliver(connected)
	}
	c.listener.OnConnect(connected)
}
