package nodes

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/healthcheck"
	"github.com/atlassian/gocluster/pkg/serverset"
)

// ServerSetTracker keeps a NodePicker in step with the members of a ServerSet.  It is a
// serverset.Listener.
type ServerSetTracker struct {
	logger       logrus.FieldLogger
	picker       NodePicker
	endpointName string

	mu        sync.Mutex
	connected bool
	nodes     map[string]struct{}
}

// NewServerSetTracker returns a tracker which names nodes after the service endpoint of each member,
// or after the named additional endpoint if endpointName is not empty.  Members without that
// endpoint are not tracked.
func NewServerSetTracker(logger logrus.FieldLogger, picker NodePicker, endpointName string) *ServerSetTracker {
	return &ServerSetTracker{
		logger:       logger,
		picker:       picker,
		endpointName: endpointName,
		nodes:        map[string]struct{}{},
	}
}

// NodeName returns the node name of instance, see NewServerSetTracker.
func NodeName(instance gocluster.ServiceInstance, endpointName string) (string, bool) {
	if endpointName == "" {
		return instance.ServiceEndpoint.String(), true
	}
	ep, ok := instance.AdditionalEndpoints[endpointName]
	if !ok {
		return "", false
	}
	return ep.String(), true
}

func (t *ServerSetTracker) OnChange(snapshot serverset.Snapshot) {
	nodes := make(map[string]struct{}, snapshot.Len())
	list := make([]string, 0, snapshot.Len())
	for _, instance := range snapshot.Instances() {
		name, ok := NodeName(instance, t.endpointName)
		if !ok {
			continue
		}
		if _, dup := nodes[name]; dup {
			continue
		}
		nodes[name] = struct{}{}
		list = append(list, name)
	}

	t.mu.Lock()
	var added, removed int
	for name := range nodes {
		if _, ok := t.nodes[name]; !ok {
			added++
		}
	}
	for name := range t.nodes {
		if _, ok := nodes[name]; !ok {
			removed++
		}
	}
	t.nodes = nodes
	t.mu.Unlock()

	t.picker.Set(list)
	t.logger.WithFields(logrus.Fields{
		"nodes":   len(list),
		"added":   added,
		"removed": removed,
	}).Info("Cluster membership changed")
}

func (t *ServerSetTracker) OnConnect(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
	if connected {
		t.logger.Info("Cluster membership connected")
	} else {
		t.logger.Warn("Cluster membership disconnected, keeping the last known nodes")
	}
}

// Connected reports whether the membership is currently being kept up to date.
func (t *ServerSetTracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *ServerSetTracker) DeepChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			t.mu.Lock()
			defer t.mu.Unlock()
			if !t.connected {
				return "cluster membership disconnected", healthcheck.Unhealthy
			}
			return fmt.Sprintf("cluster membership tracking %d nodes", len(t.nodes)), healthcheck.Healthy
		},
	}
}
