package node

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every Handle call once the node has stopped.
	ErrClosed = errors.New("node: closed")
	// ErrInvalidArgument reports a malformed target or key.
	ErrInvalidArgument = errors.New("node: invalid argument")
)

// StartupError is returned by Spawn when the node cannot start.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("node: startup failed (%s): %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
