package fakecoord

import (
	"context"
	"sort"
	"sync"

	"github.com/atlassian/gocluster/pkg/coordination"
)

type watch struct {
	version int64
	existed bool
	ch      chan coordination.Event
}

// Session is a client of a Server.  It implements coordination.ClientCloser.
type Session struct {
	server *Server

	// Everything below is guarded by server.mu.
	id           int64
	state        coordination.State
	closed       bool
	listeners    map[int]func(coordination.State)
	nextListener int
	childWatches map[string][]*watch
	existWatches map[string][]*watch
	injectErr    func(op, path string) error

	dispatcher *dispatcher
}

var _ coordination.ClientCloser = &Session{}

// ID returns the current session id.  It changes every time the session expires.
func (sess *Session) ID() int64 {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	return sess.id
}

// InjectError makes every subsequent request call fn first, failing with its result if it is
// not nil.  op is one of create, delete, exists, children or get.  Passing nil removes the hook.
func (sess *Session) InjectError(fn func(op, path string) error) {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	sess.injectErr = fn
}

// checkLocked must be called with server.mu held.
func (sess *Session) checkLocked(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.closed {
		return coordination.ErrClosed
	}
	switch sess.state {
	case coordination.StateConnected:
	case coordination.StateExpired:
		return coordination.ErrSessionExpired
	default:
		return coordination.ErrConnectionLoss
	}
	if sess.injectErr != nil {
		return sess.injectErr(op, path)
	}
	return nil
}

func (sess *Session) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode, acl []coordination.ACL) (string, error) {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if err := sess.checkLocked(ctx, "create", path); err != nil {
		return "", err
	}
	return sess.server.create(sess.id, path, data, mode)
}

func (sess *Session) Delete(ctx context.Context, path string) error {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if err := sess.checkLocked(ctx, "delete", path); err != nil {
		return err
	}
	return sess.server.delete(path)
}

func (sess *Session) Exists(ctx context.Context, path string) (bool, <-chan coordination.Event, error) {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if err := sess.checkLocked(ctx, "exists", path); err != nil {
		return false, nil, err
	}
	if err := coordination.ValidatePath(path); err != nil {
		return false, nil, err
	}
	_, exists := sess.server.nodes[path]
	w := &watch{
		version: sess.server.nodeVersion(path),
		existed: exists,
		ch:      make(chan coordination.Event, 1),
	}
	sess.existWatches[path] = append(sess.existWatches[path], w)
	return exists, w.ch, nil
}

func (sess *Session) Children(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if err := sess.checkLocked(ctx, "children", path); err != nil {
		return nil, nil, err
	}
	n, ok := sess.server.nodes[path]
	if !ok {
		return nil, nil, coordination.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	w := &watch{
		version: n.childVersion,
		existed: true,
		ch:      make(chan coordination.Event, 1),
	}
	sess.childWatches[path] = append(sess.childWatches[path], w)
	return names, w.ch, nil
}

func (sess *Session) Get(ctx context.Context, path string) ([]byte, error) {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if err := sess.checkLocked(ctx, "get", path); err != nil {
		return nil, err
	}
	n, ok := sess.server.nodes[path]
	if !ok {
		return nil, coordination.ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (sess *Session) State() coordination.State {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	return sess.state
}

func (sess *Session) OnStateChange(fn func(coordination.State)) func() {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	id := sess.nextListener
	sess.nextListener++
	sess.listeners[id] = fn
	return func() {
		sess.server.mu.Lock()
		defer sess.server.mu.Unlock()
		delete(sess.listeners, id)
	}
}

// Disconnect simulates losing the connection.  The session, and its ephemeral nodes, stay alive on
// the server until Expire is called.
func (sess *Session) Disconnect() {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if sess.closed || sess.state != coordination.StateConnected {
		return
	}
	sess.setStateLocked(coordination.StateDisconnected)
}

// Reconnect re-establishes the connection.  Watches whose target changed while the session was away
// fire now.  If the session expired while disconnected a new session is established instead.
func (sess *Session) Reconnect() {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if sess.closed {
		return
	}
	switch sess.state {
	case coordination.StateConnected:
		return
	case coordination.StateExpired:
		sess.server.nextSessionID++
		sess.id = sess.server.nextSessionID
		sess.setStateLocked(coordination.StateConnected)
		return
	}
	sess.setStateLocked(coordination.StateConnected)
	for path, watches := range sess.childWatches {
		if watches[0].version == sess.server.childVersion(path) {
			continue
		}
		eventType := coordination.EventNodeChildrenChanged
		if _, ok := sess.server.nodes[path]; !ok {
			eventType = coordination.EventNodeDeleted
		}
		sess.fireLocked(sess.childWatches, path, eventType)
	}
	for path, watches := range sess.existWatches {
		if watches[0].version == sess.server.nodeVersion(path) {
			continue
		}
		_, exists := sess.server.nodes[path]
		eventType := coordination.EventNodeDataChanged
		switch {
		case !exists:
			eventType = coordination.EventNodeDeleted
		case !watches[0].existed:
			eventType = coordination.EventNodeCreated
		}
		sess.fireLocked(sess.existWatches, path, eventType)
	}
}

// Expire simulates the server discarding the session.  Its ephemeral nodes are deleted and its
// watches are dropped.  A connected session immediately establishes a new session; a disconnected
// one stays expired until Reconnect.
func (sess *Session) Expire() {
	sess.server.mu.Lock()
	defer sess.server.mu.Unlock()
	if sess.closed || sess.state == coordination.StateExpired {
		return
	}
	wasConnected := sess.state == coordination.StateConnected
	sess.state = coordination.StateExpired
	sess.server.deleteEphemerals(sess.id)
	sess.dropWatchesLocked(coordination.ErrSessionExpired)
	sess.notifyLocked(coordination.StateExpired)
	if wasConnected {
		sess.server.nextSessionID++
		sess.id = sess.server.nextSessionID
		sess.setStateLocked(coordination.StateConnected)
	}
}

// Close ends the session, deleting its ephemeral nodes.  Listeners are not notified.
func (sess *Session) Close() error {
	sess.server.mu.Lock()
	if sess.closed {
		sess.server.mu.Unlock()
		return nil
	}
	sess.closed = true
	sess.state = coordination.StateDisconnected
	sess.server.deleteEphemerals(sess.id)
	sess.dropWatchesLocked(coordination.ErrClosed)
	delete(sess.server.sessions, sess)
	sess.server.mu.Unlock()
	sess.dispatcher.stop()
	return nil
}

func (sess *Session) setStateLocked(state coordination.State) {
	sess.state = state
	sess.notifyLocked(state)
}

func (sess *Session) notifyLocked(state coordination.State) {
	ids := make([]int, 0, len(sess.listeners))
	for id := range sess.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(coordination.State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, sess.listeners[id])
	}
	sess.dispatcher.enqueue(func() {
		for _, fn := range fns {
			fn(state)
		}
	})
}

// fireLocked delivers an event to, and disarms, every watch in watches registered for path.
func (sess *Session) fireLocked(watches map[string][]*watch, path string, eventType coordination.EventType) {
	for _, w := range watches[path] {
		w.ch <- coordination.Event{Type: eventType, Path: path}
		close(w.ch)
	}
	delete(watches, path)
}

func (sess *Session) dropWatchesLocked(err error) {
	for _, watches := range []map[string][]*watch{sess.childWatches, sess.existWatches} {
		for path, ws := range watches {
			for _, w := range ws {
				w.ch <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: err}
				close(w.ch)
			}
			delete(watches, path)
		}
	}
}

// dispatcher runs queued functions one at a time, in order, on its own goroutine.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cond.Signal()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}
