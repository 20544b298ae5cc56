package coordination

import (
	"errors"
	"fmt"
)

var (
	ErrNoNode                  = errors.New("node does not exist")
	ErrNodeExists              = errors.New("node already exists")
	ErrNotEmpty                = errors.New("node has children")
	ErrConnectionLoss          = errors.New("connection to coordination service lost")
	ErrSessionExpired          = errors.New("session expired")
	ErrOperationTimeout        = errors.New("operation timed out")
	ErrNoAuth                  = errors.New("not authorized")
	ErrBadPath                 = errors.New("invalid path")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes may not have children")
	ErrInvalidACL              = errors.New("invalid ACL")
	ErrClosed                  = errors.New("client closed")

	// ErrPrecondition is wrapped by every error that reports an API call made in a state that does not
	// allow it, such as joining twice.  These are programming errors and are never retried.
	ErrPrecondition = errors.New("precondition violated")
)

// IsRetryable reports if err is a transient failure which may succeed if the operation is retried
// once the session has recovered.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLoss) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrOperationTimeout)
}

// NewPreconditionError returns an error wrapping ErrPrecondition.
func NewPreconditionError(msg string) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, msg)
}

// JoinError is an unretryable failure to create a member node.
type JoinError struct {
	Path string
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("failed to join group %s: %v", e.Path, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// WatchError is an unretryable failure to watch a group.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("failed to watch group %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// UpdateError is a failure to advertise or retract an endpoint.
type UpdateError struct {
	Op  string
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to %s endpoint: %v", e.Op, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}
