package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoop(t *testing.T) {
	t.Parallel()
	var r *Registry
	r.RecordJoinAttempt("/p", ResultSuccess)
	r.RecordMembershipLost("/p")
	r.RecordRetry("/p", "join")
	r.RecordWatchEvent("/p")
	r.SetMembers("/p", 3)
	r.RecordDecodeFailure("/p")
	r.SetConnected("/p", true)
	r.RecordElectionEvent("/p", EventElected)
}

func TestRecordElectionEvent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.RecordElectionEvent("/p", EventElected)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.Leader.WithLabelValues("/p")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.ElectionsTotal.WithLabelValues("/p", EventElected)))

	r.RecordElectionEvent("/p", EventDefeated)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.Leader.WithLabelValues("/p")))
}

func TestGatherer(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.SetMembers("/p", 2)
	r.RecordJoinAttempt("/p", ResultRetryable)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["gocluster_serverset_members"])
	assert.True(t, names["gocluster_group_join_attempts_total"])
}
