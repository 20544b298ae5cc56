package group

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tilinna/clock"

	"github.com/atlassian/gocluster/internal/fixtures"
	"github.com/atlassian/gocluster/pkg/fakecoord"
	"github.com/atlassian/gocluster/pkg/util"
)

func TestRetrierSleepsOnContextClock(t *testing.T) {
	t.Parallel()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	g := newTestGroup(t, sess, WithBackoff(util.NewBackoffFactory(1.0, 0, time.Hour, time.Hour, 2)))
	r := g.newRetrier()
	defer r.close()

	ctx, stop := fixtures.NewAdvancingClock(context.Background())
	defer stop()
	for i := 0; i < 5; i++ {
		assert.True(t, r.wait(ctx), "the retry limit starts the policy over")
	}
	r.reset()
	assert.True(t, r.wait(ctx))
}

func TestRetrierDisabledPolicy(t *testing.T) {
	t.Parallel()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	g := newTestGroup(t, sess, WithBackoff(func() backoff.BackOff { return &backoff.StopBackOff{} }))
	r := g.newRetrier()
	defer r.close()

	ctx, stop := fixtures.NewAdvancingClock(context.Background())
	defer stop()
	assert.True(t, r.wait(ctx))
	assert.True(t, r.wait(ctx))
}

func TestRetrierWakesOnReconnect(t *testing.T) {
	t.Parallel()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	g := newTestGroup(t, sess, WithBackoff(util.NewBackoffFactory(1.0, 0, time.Hour, time.Hour, 0)))
	r := g.newRetrier()
	defer r.close()

	// The mock clock never advances, only the reconnect can end the wait.
	ctx := clock.Context(context.Background(), clock.NewMock(time.Unix(1, 0)))
	done := make(chan bool)
	go func() {
		done <- r.wait(ctx)
	}()
	sess.Disconnect()
	sess.Reconnect()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(fixtures.Eventually):
		t.Fatal("wait did not end on reconnect")
	}
}

func TestRetrierCancelled(t *testing.T) {
	t.Parallel()
	sess := fixtures.NewSession(t, fakecoord.NewServer())
	g := newTestGroup(t, sess, WithBackoff(util.NewBackoffFactory(1.0, 0, time.Hour, time.Hour, 0)))
	r := g.newRetrier()
	defer r.close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, r.wait(ctx))
}
