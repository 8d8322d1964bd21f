package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound indicates no connected server exposes the tool.
	ErrToolNotFound = errors.New("tool not found on any connected server")

	// ErrResourceNotFound indicates no connected server exposes the resource.
	ErrResourceNotFound = errors.New("resource not found on any connected server")

	// ErrDuplicateServer indicates a Connect with an already registered name.
	ErrDuplicateServer = errors.New("server already registered")

	// ErrServerNotFound indicates an operation on an unregistered server.
	ErrServerNotFound = errors.New("server not registered")
)

// MCPError wraps a failure with the server and protocol operation it
// occurred on.
type MCPError struct {
	Server string
	Op     string
	Err    error
}

func (e *MCPError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("mcp: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mcp: server %q: %s: %v", e.Server, e.Op, e.Err)
}

func (e *MCPError) Unwrap() error { return e.Err }
