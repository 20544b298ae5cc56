package main

import (
	"context"
	"testing"

	"github.com/ash2k/stager/wait"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/internal/fixtures"
	"github.com/atlassian/gocluster/pkg/codec"
	"github.com/atlassian/gocluster/pkg/fakecoord"
	"github.com/atlassian/gocluster/pkg/group"
	"github.com/atlassian/gocluster/pkg/metrics"
	"github.com/atlassian/gocluster/pkg/singleton"
)

func newViper(t *testing.T, args ...string) *viper.Viper {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	gocluster.AddFlags(fs)
	require.NoError(t, v.BindPFlags(fs))
	require.NoError(t, fs.Parse(args))
	return v
}

func TestNewClusterFromViper(t *testing.T) {
	t.Parallel()
	v := newViper(t,
		"--"+gocluster.ParamAdvertiseHost, "10.0.0.5",
		"--"+gocluster.ParamAdvertisePort, "9000",
		"--"+gocluster.ParamAdditionalEndpoints, "http=10.0.0.5:8080",
		"--"+gocluster.ParamCodec, codec.NameJSONSnappy,
		"--"+gocluster.ParamLead,
	)
	c, err := newClusterFromViper(v, fixtures.NewTestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, gocluster.DefaultPath, c.Path)
	assert.Equal(t, gocluster.BackendZookeeper, c.Backend)
	assert.Equal(t, "10.0.0.5:9000", c.Endpoint.String())
	assert.Equal(t, map[string]gocluster.Endpoint{"http": {Host: "10.0.0.5", Port: 8080}}, c.Additional)
	assert.Equal(t, codec.Snappy{Codec: codec.JSON{}}, c.Codec)
	assert.True(t, c.Lead)
	assert.True(t, c.DefeatOnDisconnect)
	assert.Equal(t, gocluster.DefaultWebAddr, c.WebAddr)
	assert.NotNil(t, c.Backoff)
}

func TestNewClusterFromViperErrors(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{
		{"--" + gocluster.ParamAdvertiseHost, "h", "--" + gocluster.ParamCodec, "xml"},
		{"--" + gocluster.ParamAdvertiseHost, "h", "--" + gocluster.ParamAdvertisePort, "0"},
		{"--" + gocluster.ParamAdvertiseHost, "h", "--" + gocluster.ParamAdditionalEndpoints, "http"},
	} {
		_, err := newClusterFromViper(newViper(t, args...), fixtures.NewTestLogger(t))
		assert.Error(t, err, args)
	}
}

func TestLocalHost(t *testing.T) {
	t.Parallel()
	host, err := localHost([]string{"127.0.0.1:2181", "127.0.0.2:2181"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	host, err = localHost([]string{"http://127.0.0.1:2379"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	_, err = localHost(nil)
	assert.Error(t, err)
}

func TestLeaderContendsAgainAfterDefeat(t *testing.T) {
	t.Parallel()
	const path = "/services/cluster"
	server := fakecoord.NewServer()
	sess := fixtures.NewSession(t, server)
	registry := metrics.NewRegistry()
	svc, err := singleton.New(fixtures.NewTestLogger(t), sess, path,
		singleton.WithBackoff(fixtures.FastBackoff()),
		singleton.WithMetrics(registry))
	require.NoError(t, err)

	l := &leader{
		cluster: &Cluster{
			Logger:             fixtures.NewTestLogger(t),
			Endpoint:           gocluster.NewEndpoint("10.0.0.1", 9000, nil),
			DefeatOnDisconnect: true,
			Backoff:            fixtures.FastBackoff(),
		},
		client:   sess,
		service:  svc,
		defeated: make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg wait.Group
	defer wg.Wait()
	defer cancel()
	require.NoError(t, l.lead(ctx))
	wg.StartWithContext(ctx, l.Run)

	elected := func() float64 {
		return testutil.ToFloat64(registry.ElectionsTotal.WithLabelValues(path, metrics.EventElected))
	}
	require.Eventually(t, func() bool {
		return elected() == 1
	}, fixtures.Eventually, fixtures.Tick)
	require.Eventually(t, func() bool {
		return server.ChildCount(path) == 2
	}, fixtures.Eventually, fixtures.Tick, "candidacy and advertised member")

	sess.Disconnect()
	sess.Reconnect()
	require.Eventually(t, func() bool {
		return elected() == 2
	}, fixtures.Eventually, fixtures.Tick)

	leader, ok, err := svc.Leader(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", leader.ServiceEndpoint.String())
}

func TestLeaderRetractsAdvertOnDefeat(t *testing.T) {
	t.Parallel()
	const path = "/services/cluster"
	server := fakecoord.NewServer()
	sess := fixtures.NewSession(t, server)
	registry := metrics.NewRegistry()
	svc, err := singleton.New(fixtures.NewTestLogger(t), sess, path,
		singleton.WithBackoff(fixtures.FastBackoff()),
		singleton.WithMetrics(registry))
	require.NoError(t, err)

	l := &leader{
		cluster: &Cluster{
			Logger:   fixtures.NewTestLogger(t),
			Endpoint: gocluster.NewEndpoint("10.0.0.1", 9000, nil),
			Backoff:  fixtures.FastBackoff(),
		},
		client:   sess,
		service:  svc,
		defeated: make(chan struct{}, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg wait.Group
	defer wg.Wait()
	defer cancel()
	require.NoError(t, l.lead(ctx))
	wg.StartWithContext(ctx, l.Run)

	elected := func() float64 {
		return testutil.ToFloat64(registry.ElectionsTotal.WithLabelValues(path, metrics.EventElected))
	}
	// Owners of the advertised member nodes, which change with every join.
	advertisers := func() []string {
		names, _, err := sess.Children(context.Background(), path)
		if err != nil {
			return nil
		}
		scheme := group.NodeScheme{Prefix: group.DefaultPrefix}
		var owners []string
		for _, name := range scheme.Sort(names) {
			owners = append(owners, scheme.Owner(name))
		}
		return owners
	}
	require.Eventually(t, func() bool {
		return elected() == 1 && len(advertisers()) == 1
	}, fixtures.Eventually, fixtures.Tick)
	first := advertisers()[0]

	sess.Expire()
	require.Eventually(t, func() bool {
		owners := advertisers()
		return elected() == 2 && len(owners) == 1 && owners[0] != first
	}, fixtures.Eventually, fixtures.Tick, "advertised again by the new leadership")

	leader, ok, err := svc.Leader(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9000", leader.ServiceEndpoint.String())
}
