package tool

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when an agent invokes a tool outside its
// allowed set. The check runs before any execution side effect.
var ErrUnauthorized = errors.New("agent not authorized for tool")

// ErrUnknownTool is returned for names never registered.
var ErrUnknownTool = errors.New("unknown tool")

// Kind tags the failure mode of a tool execution.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindInvalidArgs Kind = "invalid_args"
	KindCapability  Kind = "capability"
)

// ExecutionError wraps any failure raised by a capability itself, as
// opposed to registry-level authorization or lookup failures.
type ExecutionError struct {
	Tool string
	Kind Kind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
