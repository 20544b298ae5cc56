// Package group implements membership of a coordination service path: every member owns one
// ephemeral sequential node, and watchers see the live members in sequence order.
package group

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/metrics"
	"github.com/atlassian/gocluster/pkg/util"
)

// Group is a set of members under one path.
type Group struct {
	logger  logrus.FieldLogger
	client  coordination.Client
	path    string
	acl     []coordination.ACL
	scheme  NodeScheme
	backoff util.BackoffFactory
	metrics *metrics.Registry
}

// Option configures a Group.
type Option func(*Group)

// WithACL sets the ACL applied to every node the group creates.
func WithACL(acl []coordination.ACL) Option {
	return func(g *Group) {
		g.acl = acl
	}
}

// WithNodeScheme sets the member node name prefix.
func WithNodeScheme(scheme NodeScheme) Option {
	return func(g *Group) {
		g.scheme = scheme
	}
}

// WithBackoff sets the retry policy for joining, watching, reading and deleting.  The policy only
// paces retries: once it gives up it starts over, so a retry limit never ends a membership or a
// watch.
func WithBackoff(factory util.BackoffFactory) Option {
	return func(g *Group) {
		g.backoff = factory
	}
}

// WithMetrics records join attempts, retries and watch events.
func WithMetrics(registry *metrics.Registry) Option {
	return func(g *Group) {
		g.metrics = registry
	}
}

// New returns a Group rooted at path.  The path, and any missing ancestors, are created on demand.
func New(logger logrus.FieldLogger, client coordination.Client, path string, opts ...Option) (*Group, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, err
	}
	g := &Group{
		logger:  logger.WithField("path", path),
		client:  client,
		path:    path,
		acl:     coordination.OpenACL,
		scheme:  NodeScheme{Prefix: DefaultPrefix},
		backoff: util.DefaultBackoffFactory(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Path returns the group path.
func (g *Group) Path() string {
	return g.path
}

// Scheme returns the node naming scheme.
func (g *Group) Scheme() NodeScheme {
	return g.scheme
}

// MemberIDs returns the current member ids in sequence order.
func (g *Group) MemberIDs(ctx context.Context) ([]string, error) {
	names, _, err := g.children(ctx)
	if err != nil {
		return nil, err
	}
	return g.scheme.Sort(names), nil
}

// MemberData returns the payload of the member node id.
func (g *Group) MemberData(ctx context.Context, id string) ([]byte, error) {
	return g.client.Get(ctx, coordination.JoinPath(g.path, id))
}

// ReadMember returns the payload of the member node id like MemberData, but retries transient
// failures until the read succeeds, fails for good (coordination.ErrNoNode once the member has
// left) or ctx is done.
func (g *Group) ReadMember(ctx context.Context, id string) ([]byte, error) {
	var r *retrier
	defer func() {
		if r != nil {
			r.close()
		}
	}()
	for {
		data, err := g.MemberData(ctx, id)
		if err == nil || !coordination.IsRetryable(err) {
			return data, err
		}
		if r == nil {
			r = g.newRetrier()
		}
		g.metrics.RecordRetry(g.path, "read")
		g.logger.WithError(err).WithField("member", id).Debug("Transient failure reading member, retrying")
		if !r.wait(ctx) {
			return nil, err
		}
	}
}

// children lists the group path, creating it first if it is missing.
func (g *Group) children(ctx context.Context) ([]string, <-chan coordination.Event, error) {
	names, ch, err := g.client.Children(ctx, g.path)
	if errors.Is(err, coordination.ErrNoNode) {
		if err = coordination.EnsurePath(ctx, g.client, g.path, g.acl); err != nil {
			return nil, nil, err
		}
		names, ch, err = g.client.Children(ctx, g.path)
	}
	return names, ch, err
}

// create makes a member node tagged with owner, creating the group path first if it is missing.
func (g *Group) create(ctx context.Context, owner string, data []byte) (string, error) {
	prefix := coordination.JoinPath(g.path, g.scheme.ownedPrefix(owner))
	path, err := g.client.Create(ctx, prefix, data, coordination.EphemeralSequential, g.acl)
	if errors.Is(err, coordination.ErrNoNode) {
		if err = coordination.EnsurePath(ctx, g.client, g.path, g.acl); err != nil {
			return "", err
		}
		path, err = g.client.Create(ctx, prefix, data, coordination.EphemeralSequential, g.acl)
	}
	return path, err
}

// findOwned returns the path of a member node tagged with owner, if there is one.
func (g *Group) findOwned(ctx context.Context, owner string) (string, bool, error) {
	names, _, err := g.client.Children(ctx, g.path)
	if errors.Is(err, coordination.ErrNoNode) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, name := range g.scheme.Sort(names) {
		if g.scheme.Owner(name) == owner {
			return coordination.JoinPath(g.path, name), true, nil
		}
	}
	return "", false, nil
}
