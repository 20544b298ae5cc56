package coordinators

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/internal/fixtures"
)

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	_, err := Get(fixtures.NewTestLogger(t), "consul", viper.New())
	require.ErrorIs(t, err, ErrUnknownCoordinator)
}

func TestRegistered(t *testing.T) {
	t.Parallel()
	require.Contains(t, coordinators, gocluster.BackendZookeeper)
	require.Contains(t, coordinators, gocluster.BackendEtcd)
}
