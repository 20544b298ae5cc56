package serverset

import (
	"github.com/atlassian/gocluster"
)

// Member is one live member of a ServerSet.
type Member struct {
	ID       string
	Instance gocluster.ServiceInstance
}

// Snapshot is the complete membership of a ServerSet at one point in time, in join order.  It is
// never modified once built, and every accessor returns a copy.
type Snapshot struct {
	members []Member
}

// Len returns the number of members.
func (s Snapshot) Len() int {
	return len(s.members)
}

// Members returns the members in join order.
func (s Snapshot) Members() []Member {
	return append([]Member(nil), s.members...)
}

// Instances returns the advertised instances in join order.
func (s Snapshot) Instances() []gocluster.ServiceInstance {
	instances := make([]gocluster.ServiceInstance, len(s.members))
	for i, m := range s.members {
		instances[i] = m.Instance
	}
	return instances
}

// Endpoints returns the service endpoints in join order.
func (s Snapshot) Endpoints() []gocluster.Endpoint {
	endpoints := make([]gocluster.Endpoint, len(s.members))
	for i, m := range s.members {
		endpoints[i] = m.Instance.ServiceEndpoint
	}
	return endpoints
}

// IDs returns the member ids in join order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.members))
	for i, m := range s.members {
		ids[i] = m.ID
	}
	return ids
}
