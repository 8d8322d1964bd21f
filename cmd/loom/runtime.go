package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/bedrock"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/memory"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/tools"
)

type agentResponse = agent.Response

// runtime holds the wired components for one CLI invocation.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *mcp.Pool
	agent  *agent.Agent
}

// setup loads configuration and wires logger, metrics, MCP pool, tool
// registry, memory store, model client, and agent.
func setup(ctx context.Context, configPath string, debug bool, sessionID string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(nil)
	tracer := observability.NewTracer("github.com/haasonsaas/loom")

	pool := mcp.NewPool(logger, metrics)
	for _, server := range cfg.MCP.Servers {
		if err := pool.Connect(ctx, server); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect MCP server %q: %w", server.Name, err)
		}
	}
	if err := pool.WaitReady(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("wait for MCP servers: %w", err)
	}

	client, err := bedrock.New(ctx, cfg.BedrockConfig(), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	registry := tools.NewRegistry(pool, logger)
	store := memory.NewStore(cfg.MemoryLimits(), nil, logger)
	store.OnEvict(metrics.RecordEviction)

	if sessionID == "" {
		sessionID = cfg.Agent.SessionID
	}
	var system []string
	if cfg.Agent.SystemPrompt != "" {
		system = []string{cfg.Agent.SystemPrompt}
	}
	opts := agent.Options{
		SystemPrompts:     system,
		Inference:         cfg.Inference,
		Guardrail:         cfg.Guardrail,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		StreamTimeout:     cfg.Agent.StreamTimeout,
		SessionID:         sessionID,
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		agent:  agent.New(client, store, registry, cfg.RetryPolicy(), opts, logger, metrics, tracer),
	}, nil
}

// setupPoolOnly wires just enough for MCP inspection commands.
func setupPoolOnly(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: os.Stderr,
	})

	pool := mcp.NewPool(logger, nil)
	for _, server := range cfg.MCP.Servers {
		if err := pool.Connect(ctx, server); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect MCP server %q: %w", server.Name, err)
		}
	}
	if err := pool.WaitReady(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("wait for MCP servers: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, pool: pool}, nil
}

func (rt *runtime) close() {
	if err := rt.pool.Close(); err != nil {
		rt.logger.Warn("pool close", "error", err)
	}
}
