// Package serverset advertises service instances in a Group and translates the group membership
// into snapshots of live instances.
//
// Membership is eventually consistent: a listener converges on the set of joined instances once the
// pending watches have fired, but changes close together may be coalesced and a disconnected
// listener keeps its last snapshot until the session recovers.
package serverset

import (
	"context"
	"errors"
	"sync"

	"github.com/ash2k/stager/wait"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/codec"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/group"
	"github.com/atlassian/gocluster/pkg/metrics"
	"github.com/atlassian/gocluster/pkg/util"
)

var (
	ErrAlreadyJoined      = coordination.NewPreconditionError("already joined")
	ErrNotJoined          = coordination.NewPreconditionError("not joined")
	ErrInstanceMismatch   = coordination.NewPreconditionError("instance does not match the joined instance")
	ErrListenerAlreadySet = coordination.NewPreconditionError("listener already set")
)

// Listener is told about membership and connection changes.  Both methods are called from
// goroutines owned by the ServerSet and should return quickly.
type Listener interface {
	// OnChange receives the complete membership every time it changes.
	OnChange(snapshot Snapshot)
	// OnConnect is called with the initial connection state when the listener is set, and then
	// whenever it changes.
	OnConnect(connected bool)
}

// ServerSet is the set of instances of one logical service.
type ServerSet struct {
	logger  logrus.FieldLogger
	client  coordination.Client
	group   *group.Group
	codec   gocluster.Codec
	metrics *metrics.Registry
	fetches int

	joinMu sync.Mutex
	joined *EndpointStatus

	listenerMu sync.Mutex
	listener   Listener
	conn       connectionCell

	snapshotMu sync.Mutex
	snapshot   Snapshot

	// Owned by the watch goroutine.
	lastIDs   []string
	delivered bool
	cache     map[string]gocluster.ServiceInstance
}

type options struct {
	codec       gocluster.Codec
	groupOpts   []group.Option
	metrics     *metrics.Registry
	groupPrefix string
	fetches     int
}

// Option configures a ServerSet.
type Option func(*options)

// WithCodec sets the instance codec, JSON by default.
func WithCodec(c gocluster.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithACL sets the ACL of member nodes.
func WithACL(acl []coordination.ACL) Option {
	return func(o *options) {
		o.groupOpts = append(o.groupOpts, group.WithACL(acl))
	}
}

// WithBackoff sets the retry policy of joining and watching.
func WithBackoff(factory util.BackoffFactory) Option {
	return func(o *options) {
		o.groupOpts = append(o.groupOpts, group.WithBackoff(factory))
	}
}

// WithMetrics records membership metrics.
func WithMetrics(registry *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = registry
		o.groupOpts = append(o.groupOpts, group.WithMetrics(registry))
	}
}

// WithPrefix sets the member node name prefix, group.DefaultPrefix by default.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.groupPrefix = prefix
	}
}

// WithFetchConcurrency limits how many member payloads are read at once when the membership
// changes, DefaultFetchConcurrency by default.  Zero removes the limit.
func WithFetchConcurrency(n int) Option {
	return func(o *options) {
		o.fetches = n
	}
}

// DefaultFetchConcurrency is the default limit of concurrent member reads.
const DefaultFetchConcurrency = 8

// New returns a ServerSet for the service at path.
func New(logger logrus.FieldLogger, client coordination.Client, path string, opts ...Option) (*ServerSet, error) {
	o := options{
		codec:       codec.JSON{},
		groupPrefix: group.DefaultPrefix,
		fetches:     DefaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.WithField("serverset", path)
	groupOpts := append(o.groupOpts, group.WithNodeScheme(group.NodeScheme{Prefix: o.groupPrefix}))
	g, err := group.New(logger, client, path, groupOpts...)
	if err != nil {
		return nil, err
	}
	return &ServerSet{
		logger:  logger,
		client:  client,
		group:   g,
		codec:   o.codec,
		metrics: o.metrics,
		fetches: o.fetches,
		cache:   map[string]gocluster.ServiceInstance{},
	}, nil
}

// Path returns the service path.
func (ss *ServerSet) Path() string {
	return ss.group.Path()
}

// EndpointStatus is the handle returned by Join.
type EndpointStatus struct {
	serverSet  *ServerSet
	instance   gocluster.ServiceInstance
	membership *group.Membership
}

// Instance returns the advertised instance.
func (es *EndpointStatus) Instance() gocluster.ServiceInstance {
	return es.instance
}

// ID returns the member id of the advertised instance, if its node currently exists.
func (es *EndpointStatus) ID() (string, bool) {
	return es.membership.ID()
}

// Leave withdraws the instance from the ServerSet.  Unlike Unjoin a failure to delete the member
// node is returned, although the ServerSet is left either way and the delete keeps being retried in
// the background.
func (es *EndpointStatus) Leave(ctx context.Context) error {
	return es.serverSet.unjoin(ctx, es.instance, es)
}

// Join advertises instance.  It may only be called again once the instance has been unjoined.
//
// The instance is encoded at every attempt to create its member node.  Join does not wait for the
// node to be created if the client is disconnected, see group.Group.Join.
func (ss *ServerSet) Join(ctx context.Context, instance gocluster.ServiceInstance) (*EndpointStatus, error) {
	ss.joinMu.Lock()
	defer ss.joinMu.Unlock()
	if ss.joined != nil {
		return nil, ErrAlreadyJoined
	}
	status := &EndpointStatus{
		serverSet: ss,
		instance:  instance,
	}
	m, err := ss.group.Join(ctx, func() ([]byte, error) {
		return ss.codec.Encode(instance)
	}, func() {
		ss.logger.WithField("endpoint", instance.ServiceEndpoint.String()).Warn("Member node lost, rejoining")
	})
	if err != nil {
		return nil, err
	}
	status.membership = m
	ss.joined = status
	ss.logger.WithField("endpoint", instance.ServiceEndpoint.String()).Info("Joined server set")
	return status, nil
}

// Unjoin withdraws instance, which must equal the joined instance.  Deleting the member node is best
// effort: a failure is logged, and the node is removed when the session expires in any case.
func (ss *ServerSet) Unjoin(ctx context.Context, instance gocluster.ServiceInstance) error {
	err := ss.unjoin(ctx, instance, nil)
	var updateErr *coordination.UpdateError
	if errors.As(err, &updateErr) {
		ss.logger.WithError(err).Warn("Failed to delete member node")
		return nil
	}
	return err
}

// unjoin withdraws instance.  If status is not nil it must be the current join.
func (ss *ServerSet) unjoin(ctx context.Context, instance gocluster.ServiceInstance, status *EndpointStatus) error {
	ss.joinMu.Lock()
	defer ss.joinMu.Unlock()
	if ss.joined == nil || (status != nil && ss.joined != status) {
		return ErrNotJoined
	}
	if !ss.joined.instance.Equal(instance) {
		return ErrInstanceMismatch
	}
	m := ss.joined.membership
	ss.joined = nil
	ss.logger.WithField("endpoint", instance.ServiceEndpoint.String()).Info("Left server set")
	if err := m.Cancel(ctx); err != nil {
		return &coordination.UpdateError{Op: "retract", Err: err}
	}
	return nil
}

// SetListener starts delivering changes to listener.  It may only be called once.
//
// The listener is told the current connection state before SetListener returns, and then receives
// a snapshot from the background once the group has been listed.
func (ss *ServerSet) SetListener(ctx context.Context, listener Listener) error {
	ss.listenerMu.Lock()
	defer ss.listenerMu.Unlock()
	if ss.listener != nil {
		return ErrListenerAlreadySet
	}
	ss.listener = listener
	ss.conn.listener = listener
	ss.conn.onDeliver = func(connected bool) {
		ss.metrics.SetConnected(ss.group.Path(), connected)
	}

	remove := ss.client.OnStateChange(ss.conn.update)
	ss.conn.initial(ss.client.State)

	if _, err := ss.group.Watch(ctx, ss.onMembers); err != nil {
		remove()
		ss.listener = nil
		return err
	}
	return nil
}

// Snapshot returns the most recent snapshot delivered to the listener.
func (ss *ServerSet) Snapshot() Snapshot {
	ss.snapshotMu.Lock()
	defer ss.snapshotMu.Unlock()
	return ss.snapshot
}

// onMembers translates a member id list into a snapshot.  Ids are only decoded the first time they
// are seen.
func (ss *ServerSet) onMembers(ctx context.Context, ids []string) {
	if ss.delivered && equalIDs(ids, ss.lastIDs) {
		return
	}
	fetched, complete := ss.fetchNew(ctx, ids)
	members := make([]Member, 0, len(ids))
	cache := make(map[string]gocluster.ServiceInstance, len(ids))
	for _, id := range ids {
		instance, ok := ss.cache[id]
		if !ok {
			if instance, ok = fetched[id]; !ok {
				continue
			}
		}
		cache[id] = instance
		members = append(members, Member{ID: id, Instance: instance})
	}
	snapshot := Snapshot{members: members}
	ss.cache = cache
	ss.lastIDs = ids
	if !complete {
		// A member which could not be read yet must not make the next identical list a no-op.
		ss.lastIDs = nil
	}
	ss.delivered = true
	ss.snapshotMu.Lock()
	ss.snapshot = snapshot
	ss.snapshotMu.Unlock()

	ss.metrics.SetMembers(ss.group.Path(), snapshot.Len())
	ss.logger.WithField("members", snapshot.Len()).Debug("Membership changed")
	ss.listener.OnChange(snapshot)
}

// fetchNew reads the members which are not cached yet.  Members which could not be read are
// missing from the result.  Transient read failures are retried, complete is false if one was still
// failing when ctx ended.
func (ss *ServerSet) fetchNew(ctx context.Context, ids []string) (fetched map[string]gocluster.ServiceInstance, complete bool) {
	var mu sync.Mutex
	fetched = map[string]gocluster.ServiceInstance{}
	complete = true
	sem := util.NewSemaphore(ss.fetches)
	var wg wait.Group
	for _, id := range ids {
		if _, ok := ss.cache[id]; ok {
			continue
		}
		if !sem.Acquire(ctx) {
			mu.Lock()
			complete = false
			mu.Unlock()
			break
		}
		id := id
		wg.Start(func() {
			defer sem.Release()
			instance, err := ss.fetch(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				fetched[id] = instance
			case coordination.IsRetryable(err), ctx.Err() != nil:
				complete = false
			}
		})
	}
	wg.Wait()
	return fetched, complete
}

func (ss *ServerSet) fetch(ctx context.Context, id string) (gocluster.ServiceInstance, error) {
	logger := ss.logger.WithField("member", id)
	data, err := ss.group.ReadMember(ctx, id)
	if err != nil {
		if errors.Is(err, coordination.ErrNoNode) {
			logger.Debug("Member left before it could be read")
		} else {
			logger.WithError(err).Warn("Failed to read member")
		}
		return gocluster.ServiceInstance{}, err
	}
	instance, err := ss.codec.Decode(data)
	if err != nil {
		ss.metrics.RecordDecodeFailure(ss.group.Path())
		logger.WithError(err).Warn("Failed to decode member, excluding it")
		return gocluster.ServiceInstance{}, err
	}
	return instance, nil
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
