package fixtures

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// MockNodePicker implements a mock nodes.NodePicker from github.com/atlassian/gocluster/pkg/cluster/nodes
type MockNodePicker struct {
	TB testing.TB

	FnAdd    func(node string)
	FnList   func() []string
	FnRemove func(node string)
	FnSet    func(nodes []string)
	FnSelect func(key string) (string, error)
}

func (m *MockNodePicker) Add(node string) {
	if m.FnAdd != nil {
		m.FnAdd(node)
	} else {
		assert.Fail(m.TB, "NodePicker.Add must not be called")
	}
}

func (m *MockNodePicker) List() (p0 []string) {
	if m.FnList != nil {
		return m.FnList()
	}
	assert.Fail(m.TB, "NodePicker.List must not be called")
	return
}

func (m *MockNodePicker) Remove(node string) {
	if m.FnRemove != nil {
		m.FnRemove(node)
	} else {
		assert.Fail(m.TB, "NodePicker.Remove must not be called")
	}
}

func (m *MockNodePicker) Set(nodes []string) {
	if m.FnSet != nil {
		m.FnSet(nodes)
	} else {
		assert.Fail(m.TB, "NodePicker.Set must not be called")
	}
}

func (m *MockNodePicker) Select(key string) (p0 string, p1 error) {
	if m.FnSelect != nil {
		return m.FnSelect(key)
	}
	assert.Fail(m.TB, "NodePicker.Select must not be called")
	return
}
