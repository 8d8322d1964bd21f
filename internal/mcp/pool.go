package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/tools"
)

// State is one connection state of a pooled server.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// ServerStatus is a point-in-time snapshot of one pooled server.
type ServerStatus struct {
	Name      string `json:"name"`
	State     State  `json:"state"`
	Attempt   int    `json:"attempt,omitempty"` // reconnection attempt counter
	LastError string `json:"last_error,omitempty"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
}

// clientConn is the per-server connection surface the pool depends on.
// *Client implements it; tests substitute fakes.
type clientConn interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Tools() []Tool
	Resources() []Resource
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error)
	ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error)
}

// serverRecord tracks one registered server across its connection
// lifecycle.
type serverRecord struct {
	cfg    ServerConfig
	cancel context.CancelFunc

	// ready is closed once the initial connection attempt resolved,
	// whether it connected or failed. Reconnection may continue after.
	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	state   State
	attempt int
	lastErr error
	client  clientConn
}

func (r *serverRecord) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *serverRecord) set(state State, attempt int, err error, client clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.attempt = attempt
	if err != nil {
		r.lastErr = err
	}
	r.client = client
}

func (r *serverRecord) snapshot() (State, int, error, clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.attempt, r.lastErr, r.client
}

// connectedClient returns the client only while the record is connected.
func (r *serverRecord) connectedClient() (clientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected || r.client == nil {
		return nil, false
	}
	return r.client, true
}

// Pool manages connections to multiple MCP servers, supervising each with
// its own reconnection loop, and presents their filtered tool catalogs as
// one remote executor.
type Pool struct {
	mu      sync.RWMutex
	servers map[string]*serverRecord
	order   []string

	logger  *slog.Logger
	metrics *observability.Metrics

	// healthInterval is how often a connected server's transport liveness
	// is checked. Shortened in tests.
	healthInterval time.Duration

	// newClient is the test seam for injecting fake connections.
	newClient func(cfg ServerConfig, logger *slog.Logger) clientConn

	wg sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool(logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		servers:        make(map[string]*serverRecord),
		logger:         logger.With("component", "mcp"),
		metrics:        metrics,
		healthInterval: time.Second,
		newClient: func(cfg ServerConfig, logger *slog.Logger) clientConn {
			return NewClient(cfg, logger)
		},
	}
}

// Connect registers a server and starts its connection supervision. The
// call returns once supervision is launched; use WaitReady to block until
// the initial attempt resolved. Duplicate names and invalid configurations
// are rejected.
func (p *Pool) Connect(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return &MCPError{Server: cfg.Name, Op: "connect", Err: err}
	}
	cfg = cfg.withDefaults()

	// Supervision outlives the registering call.
	superviseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	rec := &serverRecord{
		cfg:    cfg,
		cancel: cancel,
		ready:  make(chan struct{}),
		state:  StateDisconnected,
	}

	p.mu.Lock()
	if _, exists := p.servers[cfg.Name]; exists {
		p.mu.Unlock()
		cancel()
		return &MCPError{Server: cfg.Name, Op: "connect", Err: ErrDuplicateServer}
	}
	p.servers[cfg.Name] = rec
	p.order = append(p.order, cfg.Name)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.supervise(superviseCtx, rec)
	}()

	return nil
}

// supervise owns one server's connection lifecycle: connect, watch for
// loss, and schedule reconnections with exponential backoff. It is a plain
// loop with an attempt counter; attempts reset after every successful
// connection.
func (p *Pool) supervise(ctx context.Context, rec *serverRecord) {
	defer rec.markReady()

	attempt := 0
	for {
		if attempt == 0 {
			rec.set(StateConnecting, 0, nil, nil)
		}

		client := p.newClient(rec.cfg, p.logger)
		err := client.Connect(ctx)
		if err == nil {
			rec.set(StateConnected, 0, nil, client)
			rec.markReady()
			attempt = 0

			lost := p.watchConnection(ctx, client)
			client.Close()
			if !lost {
				rec.set(StateDisconnected, 0, nil, nil)
				return
			}
			err = fmt.Errorf("connection lost")
			p.logger.Warn("MCP connection lost", "server", rec.cfg.Name)
		} else {
			p.logger.Warn("MCP connection failed",
				"server", rec.cfg.Name, "attempt", attempt, "error", err)
		}
		rec.set(StateError, attempt, err, nil)
		rec.markReady()

		rc := rec.cfg.Reconnect
		if !rc.Enabled {
			return
		}
		attempt++
		if rc.MaxAttempts > 0 && attempt > rc.MaxAttempts {
			p.logger.Error("MCP reconnection attempts exhausted",
				"server", rec.cfg.Name, "attempts", rc.MaxAttempts)
			return
		}

		rec.set(StateReconnecting, attempt, nil, nil)
		p.metrics.RecordMCPReconnect(rec.cfg.Name)

		delay := backoff.Policy{BaseDelay: rc.BaseDelay, MaxDelay: rc.MaxDelay}.Delay(attempt)
		if backoff.SleepWithContext(ctx, delay) != nil {
			rec.set(StateDisconnected, 0, nil, nil)
			return
		}
	}
}

// watchConnection blocks until the transport drops (returns true) or the
// supervision context ends (returns false).
func (p *Pool) watchConnection(ctx context.Context, client clientConn) bool {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !client.Connected() {
				return true
			}
		}
	}
}

// WaitReady blocks until every registered server's initial connection
// attempt has resolved, connected or not.
func (p *Pool) WaitReady(ctx context.Context) error {
	p.mu.RLock()
	records := make([]*serverRecord, 0, len(p.order))
	for _, name := range p.order {
		records = append(records, p.servers[name])
	}
	p.mu.RUnlock()

	for _, rec := range records {
		select {
		case <-rec.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ListRemoteTools aggregates the filtered catalogs of all connected
// servers in registration order. A name exposed by several servers keeps
// the first occurrence; later ones are logged and skipped.
func (p *Pool) ListRemoteTools(ctx context.Context) ([]tools.Spec, error) {
	var specs []tools.Spec
	seen := make(map[string]string)

	for _, rec := range p.records() {
		client, ok := rec.connectedClient()
		if !ok {
			continue
		}
		for _, tool := range client.Tools() {
			if firstServer, dup := seen[tool.Name]; dup {
				p.logger.Warn("remote tool name conflict",
					"tool", tool.Name, "kept", firstServer, "skipped", rec.cfg.Name)
				continue
			}
			seen[tool.Name] = rec.cfg.Name
			specs = append(specs, tools.Spec{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return specs, nil
}

// CallRemoteTool executes a tool on the first connected server, in
// registration order, whose filtered catalog contains it.
func (p *Pool) CallRemoteTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	for _, rec := range p.records() {
		client, ok := rec.connectedClient()
		if !ok {
			continue
		}
		if !hasToolNamed(client.Tools(), name) {
			continue
		}

		result, err := client.CallTool(ctx, name, input)
		if err != nil {
			return "", &MCPError{Server: rec.cfg.Name, Op: "tools/call", Err: err}
		}
		if result.IsError {
			return "", &MCPError{Server: rec.cfg.Name, Op: "tools/call",
				Err: fmt.Errorf("tool reported error: %s", result.Text())}
		}
		return result.Text(), nil
	}
	return "", &MCPError{Op: "tools/call", Err: fmt.Errorf("%q: %w", name, ErrToolNotFound)}
}

// GetResource reads a resource by URI from the first connected server
// whose cached catalog lists it. The scan is linear over cached catalogs;
// no index is maintained.
func (p *Pool) GetResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	for _, rec := range p.records() {
		client, ok := rec.connectedClient()
		if !ok {
			continue
		}
		for _, res := range client.Resources() {
			if res.URI != uri {
				continue
			}
			contents, err := client.ReadResource(ctx, uri)
			if err != nil {
				return nil, &MCPError{Server: rec.cfg.Name, Op: "resources/read", Err: err}
			}
			return contents, nil
		}
	}
	return nil, &MCPError{Op: "resources/read", Err: fmt.Errorf("%q: %w", uri, ErrResourceNotFound)}
}

// Disconnect stops supervision of one server and closes its connection.
func (p *Pool) Disconnect(name string) error {
	p.mu.Lock()
	rec, exists := p.servers[name]
	if !exists {
		p.mu.Unlock()
		return &MCPError{Server: name, Op: "disconnect", Err: ErrServerNotFound}
	}
	delete(p.servers, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	rec.cancel()
	_, _, _, client := rec.snapshot()
	if client != nil {
		if err := client.Close(); err != nil {
			return &MCPError{Server: name, Op: "disconnect", Err: err}
		}
	}
	p.logger.Info("disconnected MCP server", "server", name)
	return nil
}

// Close disconnects every server in parallel. Individual failures are
// collected, and the registry is cleared regardless.
func (p *Pool) Close() error {
	p.mu.Lock()
	records := make([]*serverRecord, 0, len(p.servers))
	for _, rec := range p.servers {
		records = append(records, rec)
	}
	p.servers = make(map[string]*serverRecord)
	p.order = nil
	p.mu.Unlock()

	errc := make(chan error, len(records))
	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec *serverRecord) {
			defer wg.Done()
			rec.cancel()
			_, _, _, client := rec.snapshot()
			if client != nil {
				if err := client.Close(); err != nil {
					errc <- &MCPError{Server: rec.cfg.Name, Op: "close", Err: err}
				}
			}
		}(rec)
	}
	wg.Wait()
	close(errc)

	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

// Status returns the snapshot for one server.
func (p *Pool) Status(name string) (ServerStatus, bool) {
	p.mu.RLock()
	rec, exists := p.servers[name]
	p.mu.RUnlock()
	if !exists {
		return ServerStatus{}, false
	}
	return statusOf(rec), true
}

// Statuses returns snapshots for all servers in registration order.
func (p *Pool) Statuses() []ServerStatus {
	records := p.records()
	statuses := make([]ServerStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, statusOf(rec))
	}
	return statuses
}

// records returns the server records in registration order.
func (p *Pool) records() []*serverRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	records := make([]*serverRecord, 0, len(p.order))
	for _, name := range p.order {
		records = append(records, p.servers[name])
	}
	return records
}

func statusOf(rec *serverRecord) ServerStatus {
	state, attempt, lastErr, client := rec.snapshot()
	status := ServerStatus{
		Name:    rec.cfg.Name,
		State:   state,
		Attempt: attempt,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if client != nil {
		status.Tools = len(client.Tools())
		status.Resources = len(client.Resources())
	}
	return status
}

func hasToolNamed(catalog []Tool, name string) bool {
	for _, tool := range catalog {
		if tool.Name == name {
			return true
		}
	}
	return false
}
