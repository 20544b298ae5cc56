package coordination

import (
	"sort"
	"sync"
)

// StateListeners keeps the state listeners of a Client implementation.
type StateListeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(State)
}

// Add registers fn and returns a function which unregisters it.
func (l *StateListeners) Add(fn func(State)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = map[int]func(State){}
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// Notify calls every registered listener with state, in registration order.  Callers must not call
// Notify concurrently, so that listeners see changes in order.  Listeners may add or remove
// listeners.
func (l *StateListeners) Notify(state State) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
