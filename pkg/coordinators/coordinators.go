package coordinators

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/coordination"
	"github.com/atlassian/gocluster/pkg/coordinators/etcd"
	"github.com/atlassian/gocluster/pkg/coordinators/zookeeper"
)

var (
	// All registered coordination clients.
	coordinators = map[string]coordination.ClientFactory{
		gocluster.BackendZookeeper: zookeeper.NewClientFromViper,
		gocluster.BackendEtcd:      etcd.NewClientFromViper,
	}

	ErrUnknownCoordinator = errors.New("unknown coordination backend")
)

// Get creates a client of the named coordination service.
func Get(logger logrus.FieldLogger, name string, v *viper.Viper) (coordination.ClientCloser, error) {
	f, found := coordinators[name]
	if !found {
		return nil, ErrUnknownCoordinator
	}
	return f(v, logger.WithField("coordinator", name))
}
