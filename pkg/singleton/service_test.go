package singleton

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/internal/fixtures"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/fakecoord"
	"github.com/atlassian/gocluster/pkg/serverset"
)

const testPath = "/services/singleton"

type defeat struct {
	status     *serverset.EndpointStatus
	advertised bool
}

type recordingListener struct {
	onLeading func(control *LeaderControl)

	mu       sync.Mutex
	controls []*LeaderControl
	defeats  []defeat
}

func (l *recordingListener) OnLeading(control *LeaderControl) {
	l.mu.Lock()
	l.controls = append(l.controls, control)
	l.mu.Unlock()
	if l.onLeading != nil {
		l.onLeading(control)
	}
}

func (l *recordingListener) OnDefeated(status *serverset.EndpointStatus, advertised bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defeats = append(l.defeats, defeat{status: status, advertised: advertised})
}

func (l *recordingListener) control() *LeaderControl {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.controls) == 0 {
		return nil
	}
	return l.controls[len(l.controls)-1]
}

func (l *recordingListener) leadings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.controls)
}

func (l *recordingListener) defeated() []defeat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]defeat(nil), l.defeats...)
}

func (l *recordingListener) requireLeading(t *testing.T) *LeaderControl {
	require.Eventually(t, func() bool {
		return l.control() != nil
	}, fixtures.Eventually, fixtures.Tick)
	return l.control()
}

// watcher records what clients of the singleton see in its ServerSet.
type watcher struct {
	mu        sync.Mutex
	snapshots []serverset.Snapshot
}

func (w *watcher) OnChange(snapshot serverset.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshots = append(w.snapshots, snapshot)
}

func (w *watcher) OnConnect(bool) {}

func (w *watcher) endpoints() []gocluster.Endpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.snapshots) == 0 {
		return nil
	}
	return w.snapshots[len(w.snapshots)-1].Endpoints()
}

func (w *watcher) everAdvertised() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.snapshots {
		if s.Len() > 0 {
			return true
		}
	}
	return false
}

func watch(t *testing.T, server *fakecoord.Server) *watcher {
	ss, err := serverset.New(fixtures.NewTestLogger(t), fixtures.NewSession(t, server), testPath,
		serverset.WithBackoff(fixtures.FastBackoff()))
	require.NoError(t, err)
	w := &watcher{}
	require.NoError(t, ss.SetListener(context.Background(), w))
	return w
}

func newService(t *testing.T, client coordination.Client) *Service {
	s, err := New(fixtures.NewTestLogger(t), client, testPath, WithBackoff(fixtures.FastBackoff()))
	require.NoError(t, err)
	return s
}

func endpoint(host string) gocluster.Endpoint {
	return gocluster.NewEndpoint(host, 8080, nil)
}

func requireEndpoints(t *testing.T, w *watcher, hosts ...string) {
	require.Eventually(t, func() bool {
		eps := w.endpoints()
		if len(eps) != len(hosts) {
			return false
		}
		for i, ep := range eps {
			if ep.Host != hosts[i] {
				return false
			}
		}
		return true
	}, fixtures.Eventually, fixtures.Tick)
}

func memberNodes(server *fakecoord.Server) int {
	n := 0
	for _, p := range server.Paths() {
		if strings.HasPrefix(coordination.BaseName(p), "member_") {
			n++
		}
	}
	return n
}

func TestLeaveBeforeAdvertise(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	w := watch(t, server)
	s := newService(t, fixtures.NewSession(t, server))
	l := &recordingListener{}

	require.NoError(t, s.Lead(ctx, endpoint("a"), nil, l))
	control := l.requireLeading(t)
	require.NoError(t, control.Leave(ctx))

	err := control.Advertise(ctx)
	require.ErrorIs(t, err, ErrAlreadyLeft)
	require.ErrorIs(t, err, coordination.ErrPrecondition)
	require.ErrorIs(t, control.Leave(ctx), ErrAlreadyLeft)

	assert.Zero(t, memberNodes(server))
	assert.Zero(t, server.ChildCount(testPath))
	assert.False(t, w.everAdvertised())
	assert.Empty(t, l.defeated(), "leaving is not a defeat")
}

func TestAdvertiseOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	w := watch(t, server)
	s := newService(t, fixtures.NewSession(t, server))
	l := &recordingListener{}

	require.NoError(t, s.Lead(ctx, endpoint("a"), map[string]gocluster.Endpoint{"http": endpoint("a")}, l))
	control := l.requireLeading(t)
	require.NoError(t, control.Advertise(ctx))
	requireEndpoints(t, w, "a")

	err := control.Advertise(ctx)
	require.ErrorIs(t, err, ErrAlreadyAdvertised)
	require.ErrorIs(t, err, coordination.ErrPrecondition)

	require.NoError(t, control.Leave(ctx))
	requireEndpoints(t, w)
	assert.Zero(t, server.ChildCount(testPath))
}

func TestLeadPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	s := newService(t, fixtures.NewSession(t, server))

	require.NoError(t, s.Abdicate(ctx), "nothing to abdicate")
	require.NoError(t, s.Lead(ctx, endpoint("a"), nil, &recordingListener{}))
	err := s.Lead(ctx, endpoint("a"), nil, &recordingListener{})
	require.ErrorIs(t, err, ErrAlreadyLeading)
	require.ErrorIs(t, err, coordination.ErrPrecondition)

	require.NoError(t, s.Abdicate(ctx))
	l := &recordingListener{}
	require.NoError(t, s.Lead(ctx, endpoint("a"), nil, l), "a new candidacy after abdicating")
	l.requireLeading(t)
}

func TestHandover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	w := watch(t, server)

	advertise := func(control *LeaderControl) {
		assert.NoError(t, control.Advertise(ctx))
	}
	a := newService(t, fixtures.NewSession(t, server))
	la := &recordingListener{onLeading: advertise}
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, la))
	la.requireLeading(t)
	requireEndpoints(t, w, "a")

	b := newService(t, fixtures.NewSession(t, server))
	lb := &recordingListener{onLeading: advertise}
	require.NoError(t, b.Lead(ctx, endpoint("b"), nil, lb))

	leader, ok, err := b.Leader(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", leader.ServiceEndpoint.Host)
	assert.Zero(t, lb.leadings())

	require.NoError(t, la.control().Leave(ctx))
	lb.requireLeading(t)
	requireEndpoints(t, w, "b")

	leader, ok, err = a.Leader(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", leader.ServiceEndpoint.Host)
	assert.Empty(t, la.defeated())
	assert.Equal(t, 1, la.leadings())
}

func TestDefeatReportsAdvertisedStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	w := watch(t, server)
	sess := fixtures.NewSession(t, server)
	a := newService(t, sess)
	la := &recordingListener{onLeading: func(control *LeaderControl) {
		assert.NoError(t, control.Advertise(ctx))
	}}
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, la))
	control := la.requireLeading(t)
	requireEndpoints(t, w, "a")

	b := newService(t, fixtures.NewSession(t, server))
	lb := &recordingListener{}
	require.NoError(t, b.Lead(ctx, endpoint("b"), nil, lb))

	sess.Expire()
	require.Eventually(t, func() bool {
		return len(la.defeated()) == 1
	}, fixtures.Eventually, fixtures.Tick)
	d := la.defeated()[0]
	require.True(t, d.advertised)
	require.NotNil(t, d.status)
	assert.Equal(t, "a", d.status.Instance().ServiceEndpoint.Host)
	require.ErrorIs(t, control.Advertise(ctx), ErrDefeated)

	lb.requireLeading(t)
	require.NoError(t, d.status.Leave(ctx))
	requireEndpoints(t, w)

	// A defeated service may run again.
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, &recordingListener{}))
}

func TestDefeatOnDisconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	w := watch(t, server)
	sess := fixtures.NewSession(t, server)
	a := newService(t, sess)
	la := &recordingListener{onLeading: func(control *LeaderControl) {
		assert.NoError(t, control.Advertise(ctx))
	}}
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, DefeatOnDisconnectLeader(fixtures.NewTestLogger(t), sess, la)))
	la.requireLeading(t)
	requireEndpoints(t, w, "a")

	b := newService(t, fixtures.NewSession(t, server))
	lb := &recordingListener{}
	require.NoError(t, b.Lead(ctx, endpoint("b"), nil, lb))

	sess.Disconnect()
	require.Eventually(t, func() bool {
		return len(la.defeated()) == 1
	}, fixtures.Eventually, fixtures.Tick)
	assert.Equal(t, defeat{}, la.defeated()[0])

	// The session survived, so the resignation takes effect once the connection is back.
	sess.Reconnect()
	lb.requireLeading(t)
	requireEndpoints(t, w)
	assert.Len(t, la.defeated(), 1)
}

func TestDefeatOnDisconnectIgnoresLeftLeader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	sess := fixtures.NewSession(t, server)
	a := newService(t, sess)
	la := &recordingListener{}
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, DefeatOnDisconnectLeader(fixtures.NewTestLogger(t), sess, la)))
	require.NoError(t, la.requireLeading(t).Leave(ctx))

	sess.Disconnect()
	sess.Reconnect()
	require.NoError(t, a.Lead(ctx, endpoint("a"), nil, &recordingListener{}))
	assert.Empty(t, la.defeated())
}
