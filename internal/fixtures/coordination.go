package fixtures

import (
	"sync"
	"testing"
	"time"

	"github.com/atlassian/gocluster/pkg/fakecoord"
	"github.com/atlassian/gocluster/pkg/util"
)

const (
	// Eventually is how long tests wait for watches to converge.
	Eventually = 5 * time.Second
	// Tick is how often tests poll while waiting for convergence.
	Tick = time.Millisecond
)

// FastBackoff retries every millisecond or so, forever.
func FastBackoff() util.BackoffFactory {
	return util.NewBackoffFactory(1.0, 0, time.Millisecond, time.Millisecond, 0)
}

// NewSession returns a session on server which is closed when the test ends.
func NewSession(tb testing.TB, server *fakecoord.Server) *fakecoord.Session {
	sess := server.NewSession()
	tb.Cleanup(func() {
		_ = sess.Close()
	})
	return sess
}

// IDRecorder records every list of member ids delivered to it.
type IDRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

// Record is a group listener.
func (r *IDRecorder) Record(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
}

// Calls returns how many lists have been recorded.
func (r *IDRecorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Latest returns the most recent list, and false if there has been none.
func (r *IDRecorder) Latest() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil, false
	}
	return r.calls[len(r.calls)-1], true
}
