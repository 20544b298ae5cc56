// Package singleton runs a service of which only one instance is active at a time.  Instances
// contend in an election, and the leader may advertise itself in a ServerSet on the same path while
// the others stay silent.
package singleton

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/codec"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/election"
	"github.com/atlassian/gocluster/pkg/group"
	"github.com/atlassian/gocluster/pkg/metrics"
	"github.com/atlassian/gocluster/pkg/serverset"
	"github.com/atlassian/gocluster/pkg/util"
)

// ErrAlreadyLeading is returned by Lead while a previous Lead is still running.
var ErrAlreadyLeading = coordination.NewPreconditionError("already leading")

// LeadershipListener is told when this instance starts and stops leading.
type LeadershipListener interface {
	// OnLeading is called once this instance is elected.  The listener decides whether and when to
	// advertise the endpoint through control, so it can finish initializing before serving.
	OnLeading(control *LeaderControl)
	// OnDefeated is called if leadership is lost.  status is the advertised endpoint, which the
	// listener should Leave, and advertised is false if the endpoint was never advertised, in which
	// case status is nil.
	OnDefeated(status *serverset.EndpointStatus, advertised bool)
}

// Service is one instance of a singleton service.
type Service struct {
	logger    logrus.FieldLogger
	codec     gocluster.Codec
	metrics   *metrics.Registry
	election  *group.Group
	serverSet *serverset.ServerSet

	mu      sync.Mutex
	current *lead
}

type options struct {
	codec   gocluster.Codec
	acl     []coordination.ACL
	backoff util.BackoffFactory
	metrics *metrics.Registry
}

// Option configures a Service.
type Option func(*options)

// WithCodec sets the codec of advertised instances and of candidacy data.
func WithCodec(c gocluster.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithACL sets the ACL of candidacy and member nodes.
func WithACL(acl []coordination.ACL) Option {
	return func(o *options) {
		o.acl = acl
	}
}

// WithBackoff sets the retry policy of the election and the ServerSet.
func WithBackoff(factory util.BackoffFactory) Option {
	return func(o *options) {
		o.backoff = factory
	}
}

// WithMetrics records election and membership metrics.
func WithMetrics(registry *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = registry
	}
}

// New returns a Service whose election and ServerSet share path, told apart by node prefix.
func New(logger logrus.FieldLogger, client coordination.Client, path string, opts ...Option) (*Service, error) {
	o := options{
		codec:   codec.JSON{},
		acl:     coordination.OpenACL,
		backoff: util.DefaultBackoffFactory(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.WithField("singleton", path)

	g, err := group.New(logger, client, path,
		group.WithNodeScheme(group.NodeScheme{Prefix: election.CandidatePrefix}),
		group.WithACL(o.acl),
		group.WithBackoff(o.backoff),
		group.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	ss, err := serverset.New(logger, client, path,
		serverset.WithCodec(o.codec),
		serverset.WithACL(o.acl),
		serverset.WithBackoff(o.backoff),
		serverset.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	return &Service{
		logger:    logger,
		codec:     o.codec,
		metrics:   o.metrics,
		election:  g,
		serverSet: ss,
	}, nil
}

// ServerSet returns the ServerSet the leader advertises in, for clients of the service to watch.
func (s *Service) ServerSet() *serverset.ServerSet {
	return s.serverSet
}

// Lead offers leadership on behalf of the instance at endpoint.  listener.OnLeading is called once
// elected.  Lead does not block on a disconnected client.
//
// Only one Lead may run at a time: another Lead is possible once the previous one was defeated or
// its LeaderControl has left, and runs a new candidacy.
func (s *Service) Lead(ctx context.Context, endpoint gocluster.Endpoint, additional map[string]gocluster.Endpoint, listener LeadershipListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrAlreadyLeading
	}
	l := &lead{
		service:  s,
		instance: gocluster.NewServiceInstance(endpoint, additional),
		listener: listener,
	}
	l.candidate = election.New(s.logger, s.election,
		election.WithData(func() ([]byte, error) {
			return s.codec.Encode(l.instance)
		}),
		election.WithMetrics(s.metrics))
	if _, err := l.candidate.OfferLeadership(ctx, l); err != nil {
		return err
	}
	s.current = l
	s.logger.WithField("endpoint", endpoint.String()).Info("Leading singleton")
	return nil
}

// Abdicate ends the running Lead, whether or not it has been elected.  An elected Lead leaves
// through its LeaderControl, retracting the advertised endpoint.  It does nothing if nothing is
// leading.
func (s *Service) Abdicate(ctx context.Context) error {
	s.mu.Lock()
	l := s.current
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	if control := l.leaderControl(); control != nil {
		err := control.Leave(ctx)
		if errors.Is(err, ErrAlreadyLeft) {
			return nil
		}
		return err
	}
	defer s.finish(l)
	return l.candidate.Abdicate(ctx)
}

// Leader returns the instance of the current leader, read from its candidacy, and false if no
// instance is contending.
func (s *Service) Leader(ctx context.Context) (gocluster.ServiceInstance, bool, error) {
	data, ok, err := election.LeaderData(ctx, s.election)
	if err != nil || !ok {
		return gocluster.ServiceInstance{}, false, err
	}
	instance, err := s.codec.Decode(data)
	if err != nil {
		return gocluster.ServiceInstance{}, false, err
	}
	return instance, true, nil
}

// finish allows the next Lead once l is over.
func (s *Service) finish(l *lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == l {
		s.current = nil
	}
}

// lead is one candidacy of the Service, translating election outcomes for the listener.
type lead struct {
	service   *Service
	instance  gocluster.ServiceInstance
	listener  LeadershipListener
	candidate *election.Candidate

	mu      sync.Mutex
	control *LeaderControl
}

func (l *lead) leaderControl() *LeaderControl {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.control
}

func (l *lead) OnElected(abdicate func(ctx context.Context) error) {
	control := &LeaderControl{
		lead:     l,
		abdicate: abdicate,
	}
	l.mu.Lock()
	l.control = control
	l.mu.Unlock()
	l.listener.OnLeading(control)
}

func (l *lead) OnDefeated() {
	control := l.leaderControl()
	status, advertised := control.defeat()
	l.service.finish(l)
	l.service.logger.WithField("advertised", advertised).Warn("Singleton leadership lost")
	l.listener.OnDefeated(status, advertised)
}
