// Package tools provides the unified tool registry: locally registered
// handlers plus tools delegated to remote MCP servers behind one catalog
// and one execution entry point.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Descriptor declares a local tool: its identity, the JSON schema of its
// input, and the handler that executes it.
type Descriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     func(ctx context.Context, input json.RawMessage) (string, error)
}

// Spec is one catalog entry exposed to the model. Local descriptors and
// remote tools both reduce to this shape.
type Spec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// RemoteExecutor is the remote side of the registry, implemented by the
// MCP connection pool.
type RemoteExecutor interface {
	// WaitReady blocks until every remote server's initial connection
	// attempt has resolved, connected or not.
	WaitReady(ctx context.Context) error
	ListRemoteTools(ctx context.Context) ([]Spec, error)
	CallRemoteTool(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// ValidationError reports a rejected registration or tool input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Registry holds local tools and an optional remote executor. Safe for
// concurrent use; registration normally happens at startup.
type Registry struct {
	mu     sync.RWMutex
	local  map[string]Descriptor
	order  []string
	remote RemoteExecutor
	logger *slog.Logger
}

// NewRegistry creates a registry. remote may be nil when no MCP servers
// are configured.
func NewRegistry(remote RemoteExecutor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		local:  make(map[string]Descriptor),
		remote: remote,
		logger: logger.With("component", "tools"),
	}
}

// WaitReady blocks until the remote executor has finished its initial
// connection attempts, so that ListAll reflects every configured server.
// Returns nil immediately when no remote executor is configured.
func (r *Registry) WaitReady(ctx context.Context) error {
	r.mu.RLock()
	remote := r.remote
	r.mu.RUnlock()

	if remote == nil {
		return nil
	}
	return remote.WaitReady(ctx)
}

// Register adds a local tool. The name must match [A-Za-z0-9_]+ and the
// description, schema, and handler must all be present. Duplicate local
// names are rejected.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !nameRe.MatchString(d.Name) {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("%q contains characters outside [A-Za-z0-9_]", d.Name)}
	}
	if d.Description == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if len(d.InputSchema) == 0 {
		return &ValidationError{Field: "input_schema", Reason: "must not be empty"}
	}
	if d.Handler == nil {
		return &ValidationError{Field: "handler", Reason: "must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.local[d.Name]; exists {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("tool %q already registered", d.Name)}
	}
	r.local[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Execute runs one tool call and always returns a tool_result content
// block correlated to the call's id. A local tool shadows a remote tool of
// the same name. Validation failures, handler errors, and handler panics
// are converted into error-status results; they never propagate.
func (r *Registry) Execute(ctx context.Context, call models.ToolUseBlock) models.ContentBlock {
	r.mu.RLock()
	d, isLocal := r.local[call.Name]
	remote := r.remote
	r.mu.RUnlock()

	if isLocal {
		return r.executeLocal(ctx, d, call)
	}
	if remote != nil {
		output, err := remote.CallRemoteTool(ctx, call.Name, call.Input)
		if err != nil {
			r.logger.Warn("remote tool call failed", "tool", call.Name, "error", err)
			return errorResult(call.ID, fmt.Sprintf("tool %q failed: %v", call.Name, err))
		}
		return successResult(call.ID, output)
	}
	return errorResult(call.ID, fmt.Sprintf("tool %q not found", call.Name))
}

func (r *Registry) executeLocal(ctx context.Context, d Descriptor, call models.ToolUseBlock) (result models.ContentBlock) {
	if err := ValidateInput(d.InputSchema, call.Input); err != nil {
		return errorResult(call.ID, fmt.Sprintf("invalid input for tool %q: %v", call.Name, err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", call.Name, "panic", rec)
			result = errorResult(call.ID, fmt.Sprintf("tool %q failed: internal error", call.Name))
		}
	}()

	output, err := d.Handler(ctx, call.Input)
	if err != nil {
		return errorResult(call.ID, fmt.Sprintf("tool %q failed: %v", call.Name, err))
	}
	return successResult(call.ID, output)
}

// ListAll returns the merged catalog: every local tool plus every remote
// tool whose name does not collide with a local one. Collisions are logged
// and skipped. A remote listing failure degrades to the local catalog.
func (r *Registry) ListAll(ctx context.Context) []Spec {
	r.mu.RLock()
	specs := make([]Spec, 0, len(r.order))
	seen := make(map[string]bool, len(r.order))
	for _, name := range r.order {
		d := r.local[name]
		specs = append(specs, Spec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
		seen[name] = true
	}
	remote := r.remote
	r.mu.RUnlock()

	if remote == nil {
		return specs
	}
	remoteSpecs, err := remote.ListRemoteTools(ctx)
	if err != nil {
		r.logger.Warn("remote tool listing failed, using local catalog only", "error", err)
		return specs
	}
	for _, spec := range remoteSpecs {
		if seen[spec.Name] {
			r.logger.Warn("remote tool shadowed by local tool", "tool", spec.Name)
			continue
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs
}

func successResult(toolUseID, output string) models.ContentBlock {
	return models.ToolResult(toolUseID, models.ResultSuccess, models.TextBlock(output))
}

func errorResult(toolUseID, message string) models.ContentBlock {
	return models.ToolResult(toolUseID, models.ResultError, models.TextBlock(message))
}
