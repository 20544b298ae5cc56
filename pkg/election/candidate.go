// Package election elects a leader among the members of a Group: the member holding the lowest
// sequence number leads.
package election

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/group"
	"github.com/atlassian/gocluster/pkg/metrics"
)

// CandidatePrefix is the node name prefix of candidacies, distinct from the ServerSet member prefix
// so that both can share a path.
const CandidatePrefix = "singleton_candidate_"

// ErrAlreadyOffered is returned by a second OfferLeadership on the same Candidate.
var ErrAlreadyOffered = coordination.NewPreconditionError("leadership already offered")

// Leader is told about the outcome of an election.  Both methods are called from goroutines owned by
// the Candidate, never concurrently with each other.
type Leader interface {
	// OnElected is called once, when the candidacy first ranks first.  abdicate deletes the candidacy,
	// handing leadership to the next candidate.
	OnElected(abdicate func(ctx context.Context) error)
	// OnDefeated is called if leadership is lost after OnElected, because another candidacy ranks
	// first or the candidacy node was lost.  The candidacy is over, a new Candidate is needed to run
	// again.
	OnDefeated()
}

// State is the state of a Candidate.
type State int

const (
	NotOffered State = iota
	Offered
	Elected
	Defeated
	LeftVoluntarily
)

func (s State) String() string {
	switch s {
	case NotOffered:
		return "NotOffered"
	case Offered:
		return "Offered"
	case Elected:
		return "Elected"
	case Defeated:
		return "Defeated"
	case LeftVoluntarily:
		return "LeftVoluntarily"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the candidacy is over.
func (s State) IsTerminal() bool {
	return s == Defeated || s == LeftVoluntarily
}

// Candidate runs for leadership once.
type Candidate struct {
	logger  logrus.FieldLogger
	group   *group.Group
	data    func() ([]byte, error)
	metrics *metrics.Registry

	// notifyMu serializes election evaluation, and so calls to the Leader.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	leader     Leader
	membership *group.Membership
	stopWatch  func()
}

// Option configures a Candidate.
type Option func(*Candidate)

// WithData sets the content of the candidacy node, produced for every attempt to create it.  The
// default is the host name.
func WithData(data func() ([]byte, error)) Option {
	return func(c *Candidate) {
		c.data = data
	}
}

// WithMetrics records election outcomes.
func WithMetrics(registry *metrics.Registry) Option {
	return func(c *Candidate) {
		c.metrics = registry
	}
}

// New returns a Candidate in the election run by g.  g should use CandidatePrefix if it shares its
// path with a ServerSet.
func New(logger logrus.FieldLogger, g *group.Group, opts ...Option) *Candidate {
	c := &Candidate{
		logger: logger.WithField("election", g.Path()),
		group:  g,
		data:   hostname,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func hostname() ([]byte, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return []byte(name), nil
}

// Candidacy is the handle returned by OfferLeadership.
type Candidacy struct {
	candidate *Candidate
}

// IsLeader reports whether the candidacy currently leads.
func (cy *Candidacy) IsLeader() bool {
	return cy.candidate.State() == Elected
}

// State returns the state of the candidacy.
func (cy *Candidacy) State() State {
	return cy.candidate.State()
}

// Abdicate withdraws the candidacy, see Candidate.Abdicate.
func (cy *Candidacy) Abdicate(ctx context.Context) error {
	return cy.candidate.Abdicate(ctx)
}

// State returns the state of the Candidate.
func (c *Candidate) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OfferLeadership joins the election.  leader is told when this candidacy is elected and, after
// that, if it is defeated.  It may only be called once per Candidate.
//
// Like group.Group.Join this does not wait for the candidacy node to be created if the client is
// disconnected.
func (c *Candidate) OfferLeadership(ctx context.Context, leader Leader) (*Candidacy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != NotOffered {
		return nil, ErrAlreadyOffered
	}
	m, err := c.group.Join(ctx, c.data, c.onLose)
	if err != nil {
		return nil, err
	}
	stop, err := c.group.Watch(ctx, c.onMembers)
	if err != nil {
		_ = m.Cancel(ctx)
		return nil, err
	}
	c.state = Offered
	c.leader = leader
	c.membership = m
	c.stopWatch = stop
	c.logger.Info("Offered leadership")
	return &Candidacy{candidate: c}, nil
}

// Abdicate withdraws the candidacy, deleting its node.  If it was leading, the next candidate is
// elected.  It does nothing once the candidacy is over.
func (c *Candidate) Abdicate(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case NotOffered:
		c.mu.Unlock()
		return coordination.NewPreconditionError("leadership not offered")
	case Defeated, LeftVoluntarily:
		c.mu.Unlock()
		return nil
	}
	wasElected := c.state == Elected
	c.state = LeftVoluntarily
	m, stop := c.membership, c.stopWatch
	c.mu.Unlock()

	stop()
	if wasElected {
		c.metrics.RecordElectionEvent(c.group.Path(), metrics.EventAbdicated)
	}
	c.logger.Info("Abdicated")
	return m.Cancel(ctx)
}

// LeaderData returns the content of the candidacy node which currently leads the election, and
// false if there are no candidates.
func (c *Candidate) LeaderData(ctx context.Context) ([]byte, bool, error) {
	return LeaderData(ctx, c.group)
}

// LeaderData returns the content of the candidacy node which currently leads the election run by g,
// and false if there are no candidates.
func LeaderData(ctx context.Context, g *group.Group) ([]byte, bool, error) {
	for {
		ids, err := g.MemberIDs(ctx)
		if err != nil || len(ids) == 0 {
			return nil, false, err
		}
		data, err := g.MemberData(ctx, ids[0])
		if err == nil {
			return data, true, nil
		}
		if !errors.Is(err, coordination.ErrNoNode) {
			return nil, false, err
		}
		// The leader left between listing and reading, look again.
	}
}

// onMembers re-ranks the candidacy every time the election membership changes.
func (c *Candidate) onMembers(ctx context.Context, ids []string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.membership == nil || c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	id, ok := c.membership.ID()
	if !ok {
		c.mu.Unlock()
		return
	}
	rank := -1
	for i, candidate := range ids {
		if candidate == id {
			rank = i
			break
		}
	}
	logger := c.logger.WithField("candidate", id).WithField("rank", rank)
	switch {
	case c.state == Offered && rank == 0:
		c.state = Elected
		leader := c.leader
		c.mu.Unlock()
		c.metrics.RecordElectionEvent(c.group.Path(), metrics.EventElected)
		logger.Info("Elected leader")
		leader.OnElected(c.Abdicate)
	case c.state == Elected && rank != 0:
		c.mu.Unlock()
		logger.Warn("Lost leadership")
		c.defeat(ctx)
	default:
		c.mu.Unlock()
	}
}

// onLose is called by the membership when the candidacy node disappears.  Before election the group
// recreates the node and the candidacy carries on; after election leadership is lost.
func (c *Candidate) onLose() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.State() != Elected {
		return
	}
	c.logger.Warn("Candidacy node lost while leading")
	c.defeat(context.Background())
}

// defeat must be called with notifyMu held.
func (c *Candidate) defeat(ctx context.Context) {
	c.mu.Lock()
	if c.state != Elected {
		c.mu.Unlock()
		return
	}
	c.state = Defeated
	m, stop, leader := c.membership, c.stopWatch, c.leader
	c.mu.Unlock()

	stop()
	if err := m.Cancel(context.WithoutCancel(ctx)); err != nil {
		c.logger.WithError(err).Warn("Failed to delete candidacy node after defeat")
	}
	c.metrics.RecordElectionEvent(c.group.Path(), metrics.EventDefeated)
	leader.OnDefeated()
}
