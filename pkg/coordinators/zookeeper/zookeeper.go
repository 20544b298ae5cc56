// Package zookeeper implements the coordination client on ZooKeeper.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/coordination"
)

// conn is the part of *zk.Conn the Client uses.
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	State() zk.State
	Close()
}

// Client is a coordination.Client backed by a ZooKeeper session.  The underlying connection
// re-establishes the session by itself, Client reports the transitions.
type Client struct {
	logger    logrus.FieldLogger
	conn      conn
	listeners coordination.StateListeners
	wg        wait.Group
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state coordination.State
}

// NewClientFromViper connects to the ZooKeeper ensemble configured in v.
func NewClientFromViper(v *viper.Viper, logger logrus.FieldLogger) (coordination.ClientCloser, error) {
	c, err := NewClient(logger, v.GetStringSlice(gocluster.ParamCoordinationServers), v.GetDuration(gocluster.ParamSessionTimeout))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient connects to the ZooKeeper ensemble at servers.  The session is established in the
// background.
func NewClient(logger logrus.FieldLogger, servers []string, sessionTimeout time.Duration) (*Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("no zookeeper servers configured")
	}
	if sessionTimeout <= 0 {
		return nil, errors.New("session timeout must be positive")
	}
	c, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	logger.WithField("servers", servers).Info("Connecting to zookeeper")
	return newClient(logger, c, events), nil
}

func newClient(logger logrus.FieldLogger, c conn, events <-chan zk.Event) *Client {
	client := &Client{
		logger: logger,
		conn:   c,
		closed: make(chan struct{}),
		state:  translateState(c.State()),
	}
	client.wg.Start(func() {
		client.dispatch(events)
	})
	return client
}

// dispatch forwards session events to the state listeners, until the connection is closed.
func (c *Client) dispatch(events <-chan zk.Event) {
	for {
		var ev zk.Event
		var ok bool
		select {
		case ev, ok = <-events:
			if !ok {
				return
			}
		case <-c.closed:
			return
		}
		if ev.Type != zk.EventSession {
			continue
		}
		state := translateState(ev.State)
		c.mu.Lock()
		changed := state != c.state
		c.state = state
		c.mu.Unlock()
		if !changed {
			continue
		}
		c.logger.WithField("state", state).Info("Zookeeper session state changed")
		c.listeners.Notify(state)
	}
}

// Close closes the session, deleting its ephemeral nodes.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode, acl []coordination.ACL) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.conn.Create(path, data, createFlags(mode), zkACL(acl))
	return created, translateError(err)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translateError(c.conn.Delete(path, -1))
}

func (c *Client) Exists(ctx context.Context, path string) (bool, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	exists, _, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, translateError(err)
	}
	return exists, c.forward(path, ch), nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, ch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, translateError(err)
	}
	return children, c.forward(path, ch), nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := c.conn.Get(path)
	return data, translateError(err)
}

func (c *Client) State() coordination.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnStateChange(fn func(coordination.State)) func() {
	return c.listeners.Add(fn)
}

// forward translates the single event of a zookeeper watch.
func (c *Client) forward(path string, ch <-chan zk.Event) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	c.wg.Start(func() {
		defer close(out)
		select {
		case ev, ok := <-ch:
			if ok {
				out <- translateEvent(ev)
				return
			}
		case <-c.closed:
		}
		out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrClosed}
	})
	return out
}

func createFlags(mode coordination.CreateMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

func zkACL(acl []coordination.ACL) []zk.ACL {
	result := make([]zk.ACL, 0, len(acl))
	for _, a := range acl {
		result = append(result, zk.ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID})
	}
	return result
}

func translateState(state zk.State) coordination.State {
	switch state {
	case zk.StateHasSession:
		return coordination.StateConnected
	case zk.StateExpired:
		return coordination.StateExpired
	case zk.StateConnecting, zk.StateConnected:
		// Connected only means the TCP connection is up, the session is not established yet.
		return coordination.StateConnecting
	default:
		return coordination.StateDisconnected
	}
}

func translateEvent(ev zk.Event) coordination.Event {
	result := coordination.Event{Path: ev.Path, Err: translateError(ev.Err)}
	switch ev.Type {
	case zk.EventNodeCreated:
		result.Type = coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		result.Type = coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		result.Type = coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		result.Type = coordination.EventNodeChildrenChanged
	default:
		result.Type = coordination.EventNotWatching
	}
	return result
}

// errorTranslations maps zookeeper errors to coordination errors.  Errors which are not listed are
// returned as they are and are not retried.
var errorTranslations = []struct {
	from error
	to   error
}{
	{zk.ErrNoNode, coordination.ErrNoNode},
	{zk.ErrNodeExists, coordination.ErrNodeExists},
	{zk.ErrNotEmpty, coordination.ErrNotEmpty},
	{zk.ErrConnectionClosed, coordination.ErrConnectionLoss},
	{zk.ErrNoServer, coordination.ErrConnectionLoss},
	{zk.ErrSessionMoved, coordination.ErrConnectionLoss},
	{zk.ErrSessionExpired, coordination.ErrSessionExpired},
	{zk.ErrNoAuth, coordination.ErrNoAuth},
	{zk.ErrAuthFailed, coordination.ErrNoAuth},
	{zk.ErrInvalidPath, coordination.ErrBadPath},
	{zk.ErrBadArguments, coordination.ErrBadPath},
	{zk.ErrNoChildrenForEphemerals, coordination.ErrNoChildrenForEphemerals},
	{zk.ErrInvalidACL, coordination.ErrInvalidACL},
	{zk.ErrClosing, coordination.ErrClosed},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	for _, t := range errorTranslations {
		if errors.Is(err, t.from) {
			return fmt.Errorf("%w: %w", t.to, err)
		}
	}
	return err
}
