package gocluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointEqualIgnoresProperties(t *testing.T) {
	t.Parallel()
	a := NewEndpoint("10.0.0.1", 80, map[string]string{"zone": "a"})
	b := NewEndpoint("10.0.0.1", 80, map[string]string{"zone": "b"})
	c := NewEndpoint("10.0.0.1", 81, map[string]string{"zone": "a"})
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.Equal(t, "10.0.0.1:80", a.String())
}

func TestNewEndpointCopiesProperties(t *testing.T) {
	t.Parallel()
	props := map[string]string{"zone": "a"}
	e := NewEndpoint("host", 1, props)
	props["zone"] = "b"
	zone, ok := e.Property("zone")
	require.True(t, ok)
	require.Equal(t, "a", zone)
}

func TestNewServiceInstance(t *testing.T) {
	t.Parallel()
	additional := map[string]Endpoint{"admin": NewEndpoint("host", 9990, nil)}
	si := NewServiceInstance(NewEndpoint("host", 80, nil), additional)
	delete(additional, "admin")

	require.Equal(t, StatusAlive, si.Status)
	require.Len(t, si.AdditionalEndpoints, 1)
	require.True(t, si.Equal(NewServiceInstance(NewEndpoint("host", 80, map[string]string{"x": "y"}), nil)))
}

type runner struct{}

func (runner) Run(ctx context.Context) {}

func TestMaybeAppendRunnable(t *testing.T) {
	t.Parallel()
	var runnables []Runnable
	runnables = MaybeAppendRunnable(runnables, runner{})
	runnables = MaybeAppendRunnable(runnables, "not a runner")
	require.Len(t, runnables, 1)
}
