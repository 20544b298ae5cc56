package web

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/gocluster"
	"github.com/atlassian/gocluster/pkg/cluster/nodes"
)

type endpointView struct {
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Properties map[string]string `json:"properties,omitempty"`
}

type instanceView struct {
	ID                  string                  `json:"id,omitempty"`
	ServiceEndpoint     endpointView            `json:"serviceEndpoint"`
	AdditionalEndpoints map[string]endpointView `json:"additionalEndpoints,omitempty"`
	Status              gocluster.Status        `json:"status"`
}

func newEndpointView(ep gocluster.Endpoint) endpointView {
	return endpointView{
		Host:       ep.Host,
		Port:       ep.Port,
		Properties: ep.Properties,
	}
}

func newInstanceView(id string, instance gocluster.ServiceInstance) instanceView {
	view := instanceView{
		ID:              id,
		ServiceEndpoint: newEndpointView(instance.ServiceEndpoint),
		Status:          instance.Status,
	}
	if len(instance.AdditionalEndpoints) > 0 {
		view.AdditionalEndpoints = make(map[string]endpointView, len(instance.AdditionalEndpoints))
		for name, ep := range instance.AdditionalEndpoints {
			view.AdditionalEndpoints[name] = newEndpointView(ep)
		}
	}
	return view
}

type membersHandler struct {
	logger logrus.FieldLogger
	source SnapshotSource
}

// members reports the latest membership snapshot, in join order.
func (mh *membersHandler) members(resp http.ResponseWriter, req *http.Request) {
	snapshot := mh.source.Snapshot()
	members := make([]instanceView, 0, snapshot.Len())
	for _, m := range snapshot.Members() {
		members = append(members, newInstanceView(m.ID, m.Instance))
	}
	writeJSON(resp, http.StatusOK, map[string]interface{}{
		"path":    mh.source.Path(),
		"members": members,
	})
}

type leaderHandler struct {
	logger logrus.FieldLogger
	source LeaderSource
}

// leader reports the current leader, or null when no candidate is contending.
func (lh *leaderHandler) leader(resp http.ResponseWriter, req *http.Request) {
	instance, ok, err := lh.source.Leader(req.Context())
	if err != nil {
		lh.logger.WithError(err).Warn("Failed to read leader")
		writeJSON(resp, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
		return
	}
	var leader *instanceView
	if ok {
		view := newInstanceView("", instance)
		leader = &view
	}
	writeJSON(resp, http.StatusOK, map[string]interface{}{
		"leader": leader,
	})
}

type nodesHandler struct {
	logger logrus.FieldLogger
	source NodeSource
}

// list reports the nodes keys are spread over, sorted.
func (nh *nodesHandler) list(resp http.ResponseWriter, req *http.Request) {
	list := nh.source.List()
	sort.Strings(list)
	writeJSON(resp, http.StatusOK, map[string]interface{}{
		"nodes": list,
	})
}

// selectNode reports the node owning a key.
func (nh *nodesHandler) selectNode(resp http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["key"]
	node, err := nh.source.Select(key)
	if err != nil {
		nh.logger.WithError(err).WithField("key", key).Debug("Failed to select node")
		writeJSON(resp, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
		return
	}
	self := node == nodes.NodeNameSelf
	if self {
		node = ""
	}
	writeJSON(resp, http.StatusOK, map[string]interface{}{
		"key":  key,
		"node": node,
		"self": self,
	})
}
