package coordination

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// State is the state of the session between a Client and the coordination service.
type State int

const (
	// StateDisconnected means the session may still be alive on the server, but the client cannot reach it.
	StateDisconnected State = iota
	// StateConnecting means the client is establishing, or re-establishing, its session.
	StateConnecting
	// StateConnected means the session is established and requests will be served.
	StateConnected
	// StateExpired means the server has discarded the session and every ephemeral node it owned.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// CreateMode controls the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

// IsEphemeral reports whether nodes created in this mode are removed with their session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the service appends a sequence number to the node name.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// EventType identifies what a watch fired for.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching means the watch was dropped without observing a change, typically because the
	// session expired or the client was closed.  It must be re-armed.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventNotWatching:
		return "NotWatching"
	default:
		return "Unknown"
	}
}

// Event is delivered, exactly once, on a watch channel.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// ACL is an access control entry.  It is passed through to the coordination service untouched.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// PermAll grants every permission.
const PermAll = int32(0x1f)

// OpenACL gives everyone every permission.
var OpenACL = []ACL{{Perms: PermAll, Scheme: "world", ID: "anyone"}}

// Client is the subset of a hierarchical coordination service that membership and election are
// built on.
//
// Watches are one-shot: the returned channel receives a single Event and is then closed.  A Client
// must dispatch state changes to listeners registered with OnStateChange serially, in the order the
// session observed them.
//
// A Client is owned by whoever created it, nothing in this module closes one.
type Client interface {
	// Create creates a node and returns its actual path, which differs from path for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode CreateMode, acl []ACL) (string, error)

	// Delete removes a node regardless of its version.
	Delete(ctx context.Context, path string) error

	// Exists reports if a node exists, and arms a watch that fires when it is created, deleted or changed.
	Exists(ctx context.Context, path string) (bool, <-chan Event, error)

	// Children lists the names (not paths) of a node's children, and arms a watch that fires when the
	// list changes or the node is deleted.
	Children(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Get returns the data of a node.
	Get(ctx context.Context, path string) ([]byte, error)

	// State returns the current session state.
	State() State

	// OnStateChange registers fn to be called with every subsequent session state change.  The returned
	// function unregisters it, and is safe to call more than once.
	OnStateChange(fn func(State)) (remove func())
}

// ClientCloser is a Client along with the ability to release it, handed to whoever constructed it.
type ClientCloser interface {
	Client
	Close() error
}

// ClientFactory creates a Client from configuration.
type ClientFactory func(v *viper.Viper, logger logrus.FieldLogger) (ClientCloser, error)
