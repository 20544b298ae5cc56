package fixtures

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// writer forwards to the test log until the test ends.  Background goroutines may outlive the test,
// and logging from them afterwards would panic.
type writer struct {
	tb testing.TB

	mu   sync.Mutex
	done bool
}

var _ io.Writer = (*writer)(nil)

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.tb.Log(string(p))
	}
	return len(p), nil
}

func (w *writer) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
}

// NewTestLogger returns a debug level logger writing to the test log, so membership and election
// transitions show up next to a failing assertion.
func NewTestLogger(tb testing.TB, opts ...func(*logrus.Logger)) logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)

	for _, opt := range opts {
		opt(l)
	}
	w := &writer{tb: tb}
	tb.Cleanup(w.stop)
	l.SetOutput(w)

	return l
}
