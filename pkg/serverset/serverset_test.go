package serverset

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/internal/fixtures"
	"github.com/atlassian/gocluster/pkg/codec"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/fakecoord"
	"github.com/atlassian/gocluster/pkg/metrics"
)

const testPath = "/services/web"

type recordingListener struct {
	mu        sync.Mutex
	snapshots []Snapshot
	connects  []bool
}

func (l *recordingListener) OnChange(snapshot Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, snapshot)
}

func (l *recordingListener) OnConnect(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, connected)
}

func (l *recordingListener) latest() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snapshots) == 0 {
		return Snapshot{}, false
	}
	return l.snapshots[len(l.snapshots)-1], true
}

func (l *recordingListener) connectStates() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.connects...)
}

func (l *recordingListener) allSnapshots() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Snapshot(nil), l.snapshots...)
}

func newTestServerSet(t *testing.T, client coordination.Client, opts ...Option) *ServerSet {
	opts = append([]Option{WithBackoff(fixtures.FastBackoff())}, opts...)
	ss, err := New(fixtures.NewTestLogger(t), client, testPath, opts...)
	require.NoError(t, err)
	return ss
}

func listen(t *testing.T, ss *ServerSet) *recordingListener {
	l := &recordingListener{}
	require.NoError(t, ss.SetListener(context.Background(), l))
	return l
}

func instance(host string, port int) gocluster.ServiceInstance {
	return gocluster.NewServiceInstance(gocluster.NewEndpoint(host, port, map[string]string{"dc": "west"}), nil)
}

func endpointsOf(s Snapshot) []string {
	var out []string
	for _, ep := range s.Endpoints() {
		out = append(out, ep.String())
	}
	return out
}

func requireEndpoints(t *testing.T, l *recordingListener, expected ...string) {
	require.Eventually(t, func() bool {
		s, ok := l.latest()
		return ok && assert.ObjectsAreEqual(expected, endpointsOf(s))
	}, fixtures.Eventually, fixtures.Tick)
}

func TestJoinIsSeenByListener(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	ss := newTestServerSet(t, sess)
	l := listen(t, ss)

	status, err := ss.Join(ctx, instance("10.0.0.1", 80))
	require.NoError(t, err)
	requireEndpoints(t, l, "10.0.0.1:80")

	s := ss.Snapshot()
	require.Equal(t, 1, s.Len())
	member := s.Members()[0]
	id, ok := status.ID()
	require.True(t, ok)
	assert.Equal(t, id, member.ID)
	dc, _ := member.Instance.ServiceEndpoint.Property("dc")
	assert.Equal(t, "west", dc)
	assert.Equal(t, gocluster.StatusAlive, member.Instance.Status)
}

func TestJoinPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	ss := newTestServerSet(t, sess)

	require.ErrorIs(t, ss.Unjoin(ctx, instance("h", 1)), ErrNotJoined)

	_, err := ss.Join(ctx, instance("h", 1))
	require.NoError(t, err)
	_, err = ss.Join(ctx, instance("h", 1))
	require.ErrorIs(t, err, ErrAlreadyJoined)
	require.ErrorIs(t, err, coordination.ErrPrecondition)

	err = ss.Unjoin(ctx, instance("h", 2))
	require.ErrorIs(t, err, ErrInstanceMismatch)
	require.ErrorIs(t, err, coordination.ErrPrecondition)

	require.NoError(t, ss.Unjoin(ctx, instance("h", 1)))
	_, err = ss.Join(ctx, instance("h", 1))
	require.NoError(t, err, "may join again once unjoined")
}

func TestUnjoinRemovesMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	ss := newTestServerSet(t, fixtures.NewSession(t, server))
	l := listen(t, newTestServerSet(t, fixtures.NewSession(t, server)))

	status, err := ss.Join(ctx, instance("h", 1))
	require.NoError(t, err)
	requireEndpoints(t, l, "h:1")

	require.NoError(t, status.Leave(ctx))
	requireEndpoints(t, l)
	require.ErrorIs(t, status.Leave(ctx), ErrNotJoined)
}

func TestLeaveReportsDeleteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	ss := newTestServerSet(t, sess)

	status, err := ss.Join(ctx, instance("h", 1))
	require.NoError(t, err)
	sess.InjectError(func(op, path string) error {
		if op == "delete" {
			return coordination.ErrNoAuth
		}
		return nil
	})
	err = status.Leave(ctx)
	var updateErr *coordination.UpdateError
	require.True(t, errors.As(err, &updateErr))
	assert.ErrorIs(t, err, coordination.ErrNoAuth)

	_, err = ss.Join(ctx, instance("h", 1))
	require.NoError(t, err, "left even though the delete failed")
	sess.InjectError(nil)
}

func TestUnjoinSwallowsDeleteFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	ss := newTestServerSet(t, sess)

	_, err := ss.Join(ctx, instance("h", 1))
	require.NoError(t, err)
	sess.InjectError(func(op, path string) error {
		if op == "delete" {
			return coordination.ErrNoAuth
		}
		return nil
	})
	require.NoError(t, ss.Unjoin(ctx, instance("h", 1)))
}

func TestTransientReadFailureRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	watcher := fixtures.NewSession(t, server)
	l := listen(t, newTestServerSet(t, watcher))

	_, err := newTestServerSet(t, fixtures.NewSession(t, server)).Join(ctx, instance("10.0.0.1", 1))
	require.NoError(t, err)
	requireEndpoints(t, l, "10.0.0.1:1")

	var failures int32 = 1
	watcher.InjectError(func(op, path string) error {
		if op == "get" && atomic.AddInt32(&failures, -1) >= 0 {
			return coordination.ErrConnectionLoss
		}
		return nil
	})
	_, err = newTestServerSet(t, fixtures.NewSession(t, server)).Join(ctx, instance("10.0.0.2", 2))
	require.NoError(t, err)
	requireEndpoints(t, l, "10.0.0.1:1", "10.0.0.2:2")
	assert.Less(t, atomic.LoadInt32(&failures), int32(0), "the failure was injected")
}

func TestSetListenerOnce(t *testing.T) {
	t.Parallel()
	ss := newTestServerSet(t, fixtures.NewSession(t, fakecoord.NewServer()))
	listen(t, ss)
	err := ss.SetListener(context.Background(), &recordingListener{})
	require.ErrorIs(t, err, ErrListenerAlreadySet)
	require.ErrorIs(t, err, coordination.ErrPrecondition)
}

func TestSetListenerDeliversConnectionState(t *testing.T) {
	t.Parallel()
	server := fakecoord.NewServer()

	connected := listen(t, newTestServerSet(t, fixtures.NewSession(t, server)))
	assert.Equal(t, []bool{true}, connected.connectStates())

	sess := fixtures.NewSession(t, server)
	sess.Disconnect()
	disconnected := listen(t, newTestServerSet(t, sess))
	assert.Equal(t, []bool{false}, disconnected.connectStates())

	sess.Reconnect()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{false, true}, disconnected.connectStates())
	}, fixtures.Eventually, fixtures.Tick)
	requireEndpoints(t, disconnected)
}

func TestDisconnectKeepsSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	member := newTestServerSet(t, fixtures.NewSession(t, server))
	_, err := member.Join(ctx, instance("h", 1))
	require.NoError(t, err)

	sess := fixtures.NewSession(t, server)
	ss := newTestServerSet(t, sess)
	l := listen(t, ss)
	requireEndpoints(t, l, "h:1")

	sess.Disconnect()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{true, false}, l.connectStates())
	}, fixtures.Eventually, fixtures.Tick)
	assert.Equal(t, []string{"h:1"}, endpointsOf(ss.Snapshot()))

	sess.Reconnect()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]bool{true, false, true}, l.connectStates())
	}, fixtures.Eventually, fixtures.Tick)
}

func TestNoOpElision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	sess := fixtures.NewSession(t, server)
	l := listen(t, newTestServerSet(t, sess))
	requireEndpoints(t, l)

	// Nodes of another scheme change the children of the path without changing the membership.
	require.NoError(t, coordination.EnsurePath(ctx, sess, testPath, coordination.OpenACL))
	for i := 0; i < 5; i++ {
		_, err := sess.Create(ctx, testPath+"/singleton_candidate_", nil, coordination.EphemeralSequential, coordination.OpenACL)
		require.NoError(t, err)
	}
	_, err := newTestServerSet(t, sess).Join(ctx, instance("h", 1))
	require.NoError(t, err)
	requireEndpoints(t, l, "h:1")

	snapshots := l.allSnapshots()
	for i := 1; i < len(snapshots); i++ {
		assert.NotEqual(t, snapshots[i-1].IDs(), snapshots[i].IDs(), "identical consecutive snapshots")
	}
	assert.Len(t, snapshots, 2)
}

func TestDecodeFailureIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	sess := fixtures.NewSession(t, server)
	registry := metrics.NewRegistry()

	require.NoError(t, coordination.EnsurePath(ctx, sess, testPath, coordination.OpenACL))
	_, err := sess.Create(ctx, testPath+"/member_", []byte("not an instance"), coordination.EphemeralSequential, coordination.OpenACL)
	require.NoError(t, err)
	_, err = newTestServerSet(t, sess).Join(ctx, instance("h", 1))
	require.NoError(t, err)

	l := listen(t, newTestServerSet(t, sess, WithMetrics(registry)))
	requireEndpoints(t, l, "h:1")
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.DecodeFailuresTotal.WithLabelValues(testPath)))
}

func TestSnappyCodec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	c := codec.Snappy{Codec: codec.JSON{}}
	ss := newTestServerSet(t, sess, WithCodec(c))
	l := listen(t, ss)

	_, err := ss.Join(ctx, instance("h", 1))
	require.NoError(t, err)
	requireEndpoints(t, l, "h:1")
}

func TestSessionExpiryRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	sessA := fixtures.NewSession(t, server)
	sessB := fixtures.NewSession(t, server)
	a := newTestServerSet(t, sessA)
	b := newTestServerSet(t, sessB)
	l := listen(t, newTestServerSet(t, fixtures.NewSession(t, server)))

	statusA, err := a.Join(ctx, instance("a", 1))
	require.NoError(t, err)
	_, err = b.Join(ctx, instance("b", 1))
	require.NoError(t, err)
	requireEndpoints(t, l, "a:1", "b:1")
	firstA, _ := statusA.ID()

	sessA.Disconnect()
	sessA.Expire()
	requireEndpoints(t, l, "b:1")

	sessA.Reconnect()
	requireEndpoints(t, l, "b:1", "a:1")
	secondA, ok := statusA.ID()
	require.True(t, ok)
	assert.NotEqual(t, firstA, secondA)
}

func TestConvergence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	l := listen(t, newTestServerSet(t, fixtures.NewSession(t, server)))

	const members = 8
	sets := make([]*ServerSet, members)
	for i := range sets {
		sets[i] = newTestServerSet(t, fixtures.NewSession(t, server))
	}

	var expected []string
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, ss := range sets {
		i, ss := i, ss
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst := instance("h", i+1)
			if _, err := ss.Join(ctx, inst); err != nil {
				t.Error(err)
				return
			}
			if i%2 == 0 {
				if err := ss.Unjoin(ctx, inst); err != nil {
					t.Error(err)
				}
				return
			}
			mu.Lock()
			expected = append(expected, inst.ServiceEndpoint.String())
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Strings(expected)

	require.Eventually(t, func() bool {
		s, ok := l.latest()
		if !ok {
			return false
		}
		actual := endpointsOf(s)
		sort.Strings(actual)
		return assert.ObjectsAreEqual(expected, actual)
	}, fixtures.Eventually, fixtures.Tick)
}

func TestFetchConcurrencyKeepsJoinOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := fakecoord.NewServer()
	var expected []string
	for i := 1; i <= 6; i++ {
		joiner := newTestServerSet(t, fixtures.NewSession(t, server))
		_, err := joiner.Join(ctx, instance("10.0.0.1", 8000+i))
		require.NoError(t, err)
		expected = append(expected, instance("10.0.0.1", 8000+i).ServiceEndpoint.String())
	}

	for _, limit := range []int{1, 2, 0} {
		ss := newTestServerSet(t, fixtures.NewSession(t, server), WithFetchConcurrency(limit))
		l := listen(t, ss)
		requireEndpoints(t, l, expected...)
	}
}
