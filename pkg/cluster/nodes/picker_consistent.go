package nodes

import (
	"stathat.com/c/consistent"
)

// DefaultReplicas is the number of points each node gets on the hash ring.
const DefaultReplicas = 20

type consistentNodePicker struct {
	self   string
	hasher *consistent.Consistent
}

// NewConsistentNodePicker returns a NodePicker which maps keys to nodes on a consistent hash ring,
// so that a membership change only moves the keys of the nodes which joined or left.  self is the
// node name of this instance.
func NewConsistentNodePicker(self string, numReplicas int) NodePicker {
	c := consistent.New()
	c.NumberOfReplicas = numReplicas
	return &consistentNodePicker{
		self:   self,
		hasher: c,
	}
}

func (cnp *consistentNodePicker) List() []string {
	return cnp.hasher.Members()
}

func (cnp *consistentNodePicker) Select(key string) (string, error) {
	host, err := cnp.hasher.Get(key)
	if err == nil && host == cnp.self {
		return NodeNameSelf, nil
	}
	return host, err
}

func (cnp *consistentNodePicker) Set(nodes []string) {
	cnp.hasher.Set(nodes)
}

func (cnp *consistentNodePicker) Add(node string) {
	cnp.hasher.Add(node)
}

func (cnp *consistentNodePicker) Remove(node string) {
	cnp.hasher.Remove(node)
}
