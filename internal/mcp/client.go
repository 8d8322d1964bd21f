package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const protocolVersion = "2024-11-05"

// Client drives the MCP protocol against a single server: handshake,
// catalog refresh with tool filters applied, tool calls, and resource
// reads.
type Client struct {
	config    ServerConfig
	transport Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	tools     []Tool
	resources []Resource

	serverInfo ServerInfo
}

// NewClient creates a client for the server config.
func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: newTransport(&cfg),
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// newClientWithTransport is the test seam for injecting a fake transport.
func newClientWithTransport(cfg ServerConfig, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// Connect dials the transport, performs the initialize handshake, and
// refreshes the tool and resource catalogs.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "loom",
			"version": "0.1.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Info("connected to MCP server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	c.RefreshCatalogs(ctx)
	return nil
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() ServerConfig {
	return c.config
}

// ServerInfo returns the identity reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Connected returns whether the underlying transport is connected.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshCatalogs re-fetches the tool and resource catalogs. Either listing
// may fail (servers without the capability answer method-not-found); the
// corresponding cache is left untouched in that case. Tool filters are
// applied before caching.
func (c *Client) RefreshCatalogs(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result, err := c.transport.Call(ctx, "tools/list", nil); err == nil {
		var resp ListToolsResult
		if json.Unmarshal(result, &resp) == nil {
			c.tools = filterTools(resp.Tools, c.config.AllowedTools, c.config.DeniedTools)
			c.logger.Debug("refreshed tools",
				"listed", len(resp.Tools), "after_filter", len(c.tools))
		}
	} else {
		c.logger.Debug("tools/list unavailable", "error", err)
	}

	if result, err := c.transport.Call(ctx, "resources/list", nil); err == nil {
		var resp ListResourcesResult
		if json.Unmarshal(result, &resp) == nil {
			c.resources = resp.Resources
			c.logger.Debug("refreshed resources", "count", len(c.resources))
		}
	} else {
		c.logger.Debug("resources/list unavailable", "error", err)
	}
}

// Tools returns the cached, filtered tool catalog.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Resources returns the cached resource catalog.
func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// ReadResource reads a resource from the server by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]*ResourceContent, error) {
	result, err := c.transport.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return readResult.Contents, nil
}

// filterTools applies the allow list first (a non-empty allow list keeps
// only listed names), then removes denied names. Deny wins on overlap.
func filterTools(tools []Tool, allowed, denied []string) []Tool {
	allowSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowSet[name] = true
	}
	denySet := make(map[string]bool, len(denied))
	for _, name := range denied {
		denySet[name] = true
	}

	out := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if len(allowSet) > 0 && !allowSet[tool.Name] {
			continue
		}
		if denySet[tool.Name] {
			continue
		}
		out = append(out, tool)
	}
	return out
}
