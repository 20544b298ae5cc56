// Package etcd implements the coordination client on etcd.
//
// etcd has no node tree, so the tree is emulated on flat keys: ephemeral nodes are attached to the
// lease of a concurrency.Session, sequential names come from a counter per parent updated in the
// same transaction as the create, and watches are prefix watches from the revision of the read
// which armed them.  ACLs are not supported, access is controlled with etcd's own RBAC.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/util"
)

const (
	// ParamPrefix is the name of parameter with the key prefix of the emulated tree.
	ParamPrefix = "prefix"
	// DefaultPrefix is the default key prefix of the emulated tree.
	DefaultPrefix = "/gocluster"
)

// Config configures a Client.
type Config struct {
	Endpoints      []string
	SessionTimeout time.Duration
	Prefix         string
}

// Client is a coordination.Client backed by etcd.
type Client struct {
	logger    logrus.FieldLogger
	cli       *clientv3.Client
	keys      keyspace
	ttl       int
	listeners coordination.StateListeners

	ctx    context.Context
	cancel context.CancelFunc
	wg     wait.Group

	// notifyMu serializes state changes with their notification.
	notifyMu sync.Mutex

	mu        sync.Mutex
	session   *concurrency.Session
	closing   bool
	expired   bool
	connected bool
	state     coordination.State
}

// NewClientFromViper connects to the etcd cluster configured in v.  Settings specific to etcd are
// read from the "etcd" sub-section.
func NewClientFromViper(v *viper.Viper, logger logrus.FieldLogger) (coordination.ClientCloser, error) {
	ev := util.GetSubViper(v, "etcd")
	ev.SetDefault(ParamPrefix, DefaultPrefix)
	c, err := NewClient(logger, Config{
		Endpoints:      v.GetStringSlice(gocluster.ParamCoordinationServers),
		SessionTimeout: v.GetDuration(gocluster.ParamSessionTimeout),
		Prefix:         ev.GetString(ParamPrefix),
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient connects to etcd and starts a session.
func NewClient(logger logrus.FieldLogger, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}
	if cfg.SessionTimeout <= 0 {
		return nil, errors.New("session timeout must be positive")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.SessionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	ttl := ttlSeconds(cfg.SessionTimeout)
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", translateError(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:    logger,
		cli:       cli,
		keys:      newKeyspace(cfg.Prefix),
		ttl:       ttl,
		ctx:       ctx,
		cancel:    cancel,
		session:   sess,
		connected: true,
		state:     coordination.StateConnected,
	}
	logger.WithFields(logrus.Fields{
		"endpoints": cfg.Endpoints,
		"lease":     int64(sess.Lease()),
	}).Info("Connected to etcd")
	c.wg.StartWithContext(ctx, c.keepSession)
	c.wg.StartWithContext(ctx, c.watchConnection)
	return c, nil
}

// ttlSeconds rounds the session timeout up to whole seconds, the resolution of etcd leases.
func ttlSeconds(timeout time.Duration) int {
	return int(math.Max(1, math.Ceil(timeout.Seconds())))
}

// Close revokes the session lease, deleting every ephemeral node, and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	sess := c.session
	c.mu.Unlock()
	sessErr := sess.Close()
	c.cancel()
	c.wg.Wait()
	if err := c.cli.Close(); err != nil {
		return err
	}
	return translateError(sessErr)
}

// keepSession replaces the session whenever its lease is lost, reporting the expiry.
func (c *Client) keepSession(ctx context.Context) {
	for {
		c.mu.Lock()
		sess := c.session
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
		}
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		c.logger.Warn("Etcd session lease lost")
		c.update(func() {
			c.expired = true
		})

		bo := util.DefaultBackoffFactory()()
		for {
			next, err := concurrency.NewSession(c.cli, concurrency.WithTTL(c.ttl), concurrency.WithContext(ctx))
			if err == nil {
				c.logger.WithField("lease", int64(next.Lease())).Info("Etcd session re-established")
				c.update(func() {
					c.session = next
					c.expired = false
				})
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Warn("Failed to create etcd session, retrying")
			if !util.InterruptableSleep(ctx, bo.NextBackOff()) {
				return
			}
		}
	}
}

// watchConnection follows the state of the grpc connection.
func (c *Client) watchConnection(ctx context.Context) {
	conn := c.cli.ActiveConnection()
	for {
		s := conn.GetState()
		connected := s == connectivity.Ready || s == connectivity.Idle
		c.update(func() {
			c.connected = connected
		})
		if !conn.WaitForStateChange(ctx, s) {
			return
		}
	}
}

// update applies fn and notifies the listeners if the resulting state differs.
func (c *Client) update(fn func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	fn()
	state := coordination.StateDisconnected
	switch {
	case c.expired:
		state = coordination.StateExpired
	case c.connected:
		state = coordination.StateConnected
	}
	changed := state != c.state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.logger.WithField("state", state).Info("Etcd session state changed")
		c.listeners.Notify(state)
	}
}

func (c *Client) lease() clientv3.LeaseID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Lease()
}

// errConflict means a concurrent create took the sequence number.
var errConflict = errors.New("sequence conflict")

// Create creates a node.  acl is ignored.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode, acl []coordination.ACL) (string, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", coordination.ErrNodeExists
	}
	var opts []clientv3.OpOption
	if mode.IsEphemeral() {
		opts = append(opts, clientv3.WithLease(c.lease()))
	}
	parent := parentPath(path)
	if !mode.IsSequential() {
		for {
			err := c.put(ctx, path, parent, data, opts, nil)
			switch {
			case errors.Is(err, errConflict):
				// The parent was created or deleted concurrently.
			case err != nil:
				return "", err
			default:
				return path, nil
			}
		}
	}

	seqKey := c.keys.sequence(parent)
	for {
		resp, err := c.cli.Get(ctx, seqKey)
		if err != nil {
			return "", translateError(err)
		}
		var seq, rev int64
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			if seq, err = strconv.ParseInt(string(kv.Value), 10, 64); err != nil {
				return "", fmt.Errorf("corrupt sequence counter %s: %w", seqKey, err)
			}
			rev = kv.ModRevision
		}
		name := fmt.Sprintf("%s%010d", path, seq)
		err = c.put(ctx, name, parent, data, opts,
			[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(seqKey), "=", rev)},
			clientv3.OpPut(seqKey, strconv.FormatInt(seq+1, 10)))
		if errors.Is(err, errConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return name, nil
	}
}

// put creates the node at path if it does not exist and its parent does, along with ops if cmps
// hold.
func (c *Client) put(ctx context.Context, path, parent string, data []byte, opts []clientv3.OpOption, cmps []clientv3.Cmp, ops ...clientv3.Op) error {
	key := c.keys.node(path)
	parentKey := c.keys.node(parent)
	cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
	if parent != "/" {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(parentKey), ">", 0))
	}
	ops = append(ops, clientv3.OpPut(key, string(data), opts...))
	resp, err := c.cli.Txn(ctx).
		If(cmps...).
		Then(ops...).
		Else(clientv3.OpGet(key, clientv3.WithKeysOnly()), clientv3.OpGet(parentKey, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return translateError(err)
	}
	if resp.Succeeded {
		return nil
	}
	if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
		return coordination.ErrNodeExists
	}
	if parent != "/" && len(resp.Responses[1].GetResponseRange().Kvs) == 0 {
		return coordination.ErrNoNode
	}
	return errConflict
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := coordination.ValidatePath(path); err != nil {
		return err
	}
	children, err := c.cli.Get(ctx, c.keys.children(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return translateError(err)
	}
	if children.Count > 0 {
		return coordination.ErrNotEmpty
	}
	resp, err := c.cli.Delete(ctx, c.keys.node(path))
	if err != nil {
		return translateError(err)
	}
	if resp.Deleted == 0 {
		return coordination.ErrNoNode
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, path string) (bool, <-chan coordination.Event, error) {
	if path == "/" {
		return true, c.watchOnce(path, c.keys.node(path), 0, c.keys.existsFilter(path)), nil
	}
	resp, err := c.cli.Get(ctx, c.keys.node(path), clientv3.WithKeysOnly())
	if err != nil {
		return false, nil, translateError(err)
	}
	return len(resp.Kvs) > 0, c.watchOnce(path, c.keys.node(path), resp.Header.Revision, c.keys.existsFilter(path)), nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	prefix := c.keys.children(path)
	resp, err := c.cli.Txn(ctx).
		Then(clientv3.OpGet(c.keys.node(path), clientv3.WithKeysOnly()),
			clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return nil, nil, translateError(err)
	}
	if path != "/" && len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return nil, nil, coordination.ErrNoNode
	}
	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		if name, ok := c.keys.childName(path, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	watchKey := c.keys.node(path)
	if path == "/" {
		watchKey = prefix
	}
	return names, c.watchOnce(path, watchKey, resp.Header.Revision, c.keys.childrenFilter(path)), nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.cli.Get(ctx, c.keys.node(path))
	if err != nil {
		return nil, translateError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.ErrNoNode
	}
	return resp.Kvs[0].Value, nil
}

func (c *Client) State() coordination.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnStateChange(fn func(coordination.State)) func() {
	return c.listeners.Add(fn)
}

// watchOnce watches the keys under watchKey from the revision after rev, and delivers the first event
// filter matches.  A rev of zero watches from the current revision.
func (c *Client) watchOnce(path, watchKey string, rev int64, filter func(*clientv3.Event) (coordination.EventType, bool)) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	if c.ctx.Err() != nil {
		out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrClosed}
		close(out)
		return out
	}
	ctx, cancel := context.WithCancel(c.ctx)
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	wch := c.cli.Watch(clientv3.WithRequireLeader(ctx), watchKey, opts...)
	c.wg.Start(func() {
		defer cancel()
		defer close(out)
		for wr := range wch {
			if err := wr.Err(); err != nil {
				out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: translateError(err)}
				return
			}
			for _, ev := range wr.Events {
				if t, ok := filter(ev); ok {
					out <- coordination.Event{Type: t, Path: path}
					return
				}
			}
		}
		out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrClosed}
	})
	return out
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %w", coordination.ErrSessionExpired, err)
	case errors.Is(err, clientv3.ErrNoAvailableEndpoints):
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	}

	code := codes.Unknown
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		code = etcdErr.Code()
	} else if s, ok := status.FromError(err); ok {
		code = s.Code()
	}
	switch code {
	case codes.Unavailable:
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", coordination.ErrOperationTimeout, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %w", coordination.ErrNoAuth, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %w", coordination.ErrClosed, err)
	default:
		return err
	}
}
