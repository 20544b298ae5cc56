package nodes

import (
	"errors"
	"sort"
	"sync"
)

type basicPicker struct {
	mu    sync.Mutex
	nodes map[string]struct{}
	sets  int
}

func newBasicPicker() *basicPicker {
	return &basicPicker{
		nodes: map[string]struct{}{},
	}
}

func (bp *basicPicker) List() []string {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	n := make([]string, 0, len(bp.nodes))
	for node := range bp.nodes {
		n = append(n, node)
	}
	sort.Strings(n)
	return n
}

func (bp *basicPicker) Select(key string) (string, error) {
	return "", errors.New("not implemented")
}

func (bp *basicPicker) Set(nodes []string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.sets++
	bp.nodes = map[string]struct{}{}
	for _, node := range nodes {
		bp.nodes[node] = struct{}{}
	}
}

func (bp *basicPicker) Add(node string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.nodes[node] = struct{}{}
}

func (bp *basicPicker) Remove(node string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	delete(bp.nodes, node)
}
