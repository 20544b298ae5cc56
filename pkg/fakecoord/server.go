// Package fakecoord is an in-memory coordination service with ZooKeeper semantics: a tree of
// persistent and ephemeral nodes, per-parent sequence numbers, one-shot watches, and sessions
// which can be disconnected, reconnected and expired on demand.
//
// It exists so the membership and election code can be tested deterministically without a
// running ensemble.
package fakecoord

import (
	"fmt"
	"strings"
	"sync"

	"github.com/atlassian/gocluster/pkg/coordination"
)

type node struct {
	data     []byte
	owner    int64 // session id for ephemeral nodes, zero for persistent ones
	children map[string]struct{}

	sequence     int64 // next sequence number handed to a sequential child
	version      int64 // zxid of the last create or data change
	childVersion int64 // zxid of the last child added or removed
}

// Server is a fake coordination service shared by any number of Sessions.
type Server struct {
	mu            sync.Mutex
	nodes         map[string]*node
	deleted       map[string]int64 // zxid at which a node was deleted, to detect changes on reconnect
	zxid          int64
	sessions      map[*Session]struct{}
	nextSessionID int64
}

// NewServer returns a Server containing only the root node.
func NewServer() *Server {
	return &Server{
		nodes: map[string]*node{
			"/": {children: map[string]struct{}{}},
		},
		deleted:  map[string]int64{},
		sessions: map[*Session]struct{}{},
	}
}

// NewSession returns a connected Session.
func (s *Server) NewSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	sess := &Session{
		server:       s,
		id:           s.nextSessionID,
		state:        coordination.StateConnected,
		listeners:    map[int]func(coordination.State){},
		childWatches: map[string][]*watch{},
		existWatches: map[string][]*watch{},
		dispatcher:   newDispatcher(),
	}
	s.sessions[sess] = struct{}{}
	return sess
}

// Paths returns every node path in the tree, for debugging tests.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	return paths
}

// ChildCount returns the number of children of path, or -1 if it does not exist.
func (s *Server) ChildCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return -1
	}
	return len(n.children)
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (s *Server) nodeVersion(path string) int64 {
	if n, ok := s.nodes[path]; ok {
		return n.version
	}
	return s.deleted[path]
}

func (s *Server) childVersion(path string) int64 {
	if n, ok := s.nodes[path]; ok {
		return n.childVersion
	}
	return s.deleted[path]
}

// create must be called with s.mu held.
func (s *Server) create(owner int64, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if path == "/" {
		return "", coordination.ErrNodeExists
	}
	if err := coordination.ValidatePath(path); err != nil {
		return "", err
	}
	parentPath := parentOf(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", coordination.ErrNoNode
	}
	if parent.owner != 0 {
		return "", coordination.ErrNoChildrenForEphemerals
	}
	if mode.IsSequential() {
		path = fmt.Sprintf("%s%010d", path, parent.sequence)
		parent.sequence++
	}
	if _, exists := s.nodes[path]; exists {
		return "", coordination.ErrNodeExists
	}
	s.zxid++
	n := &node{
		data:         append([]byte(nil), data...),
		children:     map[string]struct{}{},
		version:      s.zxid,
		childVersion: s.zxid,
	}
	if mode.IsEphemeral() {
		n.owner = owner
	}
	delete(s.deleted, path)
	s.nodes[path] = n
	parent.children[coordination.BaseName(path)] = struct{}{}
	parent.childVersion = s.zxid

	s.triggerLocked(path, coordination.EventNodeCreated)
	s.triggerLocked(parentPath, coordination.EventNodeChildrenChanged)
	return path, nil
}

// delete must be called with s.mu held.
func (s *Server) delete(path string) error {
	if path == "/" {
		return coordination.ErrBadPath
	}
	n, ok := s.nodes[path]
	if !ok {
		return coordination.ErrNoNode
	}
	if len(n.children) > 0 {
		return coordination.ErrNotEmpty
	}
	parentPath := parentOf(path)
	parent := s.nodes[parentPath]
	s.zxid++
	delete(parent.children, coordination.BaseName(path))
	parent.childVersion = s.zxid
	delete(s.nodes, path)
	s.deleted[path] = s.zxid

	s.triggerLocked(path, coordination.EventNodeDeleted)
	s.triggerLocked(parentPath, coordination.EventNodeChildrenChanged)
	return nil
}

// deleteEphemerals removes every node owned by the session id.  Must be called with s.mu held.
func (s *Server) deleteEphemerals(owner int64) {
	for path, n := range s.nodes {
		if n.owner == owner {
			_ = s.delete(path)
		}
	}
}

// triggerLocked fires the watches every connected session holds for the change.  Disconnected
// sessions keep their watches, and have them checked when they reconnect.
func (s *Server) triggerLocked(path string, eventType coordination.EventType) {
	for sess := range s.sessions {
		if sess.state != coordination.StateConnected {
			continue
		}
		switch eventType {
		case coordination.EventNodeChildrenChanged:
			sess.fireLocked(sess.childWatches, path, eventType)
		case coordination.EventNodeDeleted:
			sess.fireLocked(sess.childWatches, path, eventType)
			sess.fireLocked(sess.existWatches, path, eventType)
		default:
			sess.fireLocked(sess.existWatches, path, eventType)
		}
	}
}

// SetData replaces the data of a node, firing existence watches.
func (s *Server) SetData(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return coordination.ErrNoNode
	}
	s.zxid++
	n.data = append([]byte(nil), data...)
	n.version = s.zxid
	s.triggerLocked(path, coordination.EventNodeDataChanged)
	return nil
}

// Delete removes a node as an administrator would, regardless of owner.
func (s *Server) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(path)
}
