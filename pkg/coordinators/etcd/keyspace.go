package etcd

import (
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/atlassian/gocluster/pkg/coordination"
)

// keyspace lays the node tree out in flat etcd keys.  A node is stored at its path under the nodes
// prefix, so the children of a node are the keys one element below its path.  Sequence counters
// live under a separate prefix, so they are never listed as nodes.
type keyspace struct {
	nodes     string
	sequences string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimSuffix(prefix, "/")
	return keyspace{
		nodes:     prefix + "/nodes",
		sequences: prefix + "/sequences",
	}
}

// node returns the key of the node at path.  The root node is never stored, it always exists.
func (ks keyspace) node(path string) string {
	return ks.nodes + path
}

// children returns the key prefix shared by the children of the node at path.
func (ks keyspace) children(path string) string {
	if path == "/" {
		return ks.nodes + "/"
	}
	return ks.nodes + path + "/"
}

// sequence returns the key of the counter numbering the sequential children of parent.
func (ks keyspace) sequence(parent string) string {
	return ks.sequences + parent
}

// childName returns the child name of key, if key is a direct child of the node at path.
func (ks keyspace) childName(path, key string) (string, bool) {
	prefix := ks.children(path)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := key[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// existsFilter matches the events an existence watch on path fires for.
func (ks keyspace) existsFilter(path string) func(*clientv3.Event) (coordination.EventType, bool) {
	key := ks.node(path)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		if string(ev.Kv.Key) != key {
			return 0, false
		}
		switch {
		case ev.Type == mvccpb.DELETE:
			return coordination.EventNodeDeleted, true
		case ev.IsCreate():
			return coordination.EventNodeCreated, true
		default:
			return coordination.EventNodeDataChanged, true
		}
	}
}

// childrenFilter matches the events a child watch on path fires for: a child created or deleted, or
// the node itself deleted.
func (ks keyspace) childrenFilter(path string) func(*clientv3.Event) (coordination.EventType, bool) {
	key := ks.node(path)
	return func(ev *clientv3.Event) (coordination.EventType, bool) {
		k := string(ev.Kv.Key)
		if k == key && ev.Type == mvccpb.DELETE {
			return coordination.EventNodeDeleted, true
		}
		if _, ok := ks.childName(path, k); ok && (ev.Type == mvccpb.DELETE || ev.IsCreate()) {
			return coordination.EventNodeChildrenChanged, true
		}
		return 0, false
	}
}

func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
