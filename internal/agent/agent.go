// Package agent implements the conversation turn controller: a bounded
// model/tool loop over a memory store, a tool registry, and a model client.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/bedrock"
	"github.com/haasonsaas/loom/internal/memory"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	defaultMaxToolIterations = 10
	defaultStreamTimeout     = 5 * time.Minute

	sessionSaveTimeout = 5 * time.Second

	// guardrailFallbackText replaces an empty guardrail-blocked reply so the
	// caller always receives non-empty text.
	guardrailFallbackText = "I'm sorry, but I can't help with that request."
)

// ModelClient is the slice of the Bedrock client the controller depends on.
type ModelClient interface {
	ModelID() string
	Converse(ctx context.Context, req *bedrock.Request) (*bedrock.Response, error)
	ConverseStream(ctx context.Context, req *bedrock.Request) (<-chan models.StreamEvent, error)
}

// Options configures turn execution.
type Options struct {
	// SystemPrompts are prepended to every model request.
	SystemPrompts []string

	// Inference holds sampling parameters passed through to the model.
	Inference bedrock.Inference

	// Guardrail, when set, is applied to every model request.
	Guardrail *bedrock.GuardrailConfig

	// MaxToolIterations bounds model calls per turn (default 10).
	MaxToolIterations int

	// StreamTimeout is the wall-clock bound on one model stream (default 5m).
	StreamTimeout time.Duration

	// SessionID enables long-term persistence through the store's session
	// hooks: history is loaded before the turn and saved best-effort after.
	SessionID string
}

func (o Options) withDefaults() Options {
	if o.MaxToolIterations <= 0 {
		o.MaxToolIterations = defaultMaxToolIterations
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = defaultStreamTimeout
	}
	return o
}

// Response is the outcome of one completed turn.
type Response struct {
	Message             models.Message
	Text                string
	StopReason          models.StopReason
	Usage               models.TokenUsage
	ToolCalls           []models.ToolCallRecord
	GuardrailIntervened bool
	Iterations          int
}

// Agent runs conversation turns. One Agent serves one conversation; it is
// not safe for overlapping turns on the same instance.
type Agent struct {
	model    ModelClient
	store    *memory.Store
	registry *tools.Registry
	policy   backoff.Policy
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// New builds an agent. A nil logger falls back to slog.Default; a nil
// metrics is allowed (recording becomes a no-op).
func New(model ModelClient, store *memory.Store, registry *tools.Registry, policy backoff.Policy, opts Options, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = observability.NewTracer("github.com/haasonsaas/loom/internal/agent")
	}
	return &Agent{
		model:    model,
		store:    store,
		registry: registry,
		policy:   policy,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "agent"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Converse runs one buffered turn.
func (a *Agent) Converse(ctx context.Context, input string) (*Response, error) {
	return a.run(ctx, input, false, nil)
}

// ConverseStream runs one streaming turn, forwarding every model event to
// the caller channel as it arrives. The returned Response carries the same
// reassembled message a buffered turn would. The events channel is not
// closed; the caller owns it.
func (a *Agent) ConverseStream(ctx context.Context, input string, events chan<- models.StreamEvent) (*Response, error) {
	return a.run(ctx, input, true, events)
}

func (a *Agent) run(ctx context.Context, input string, streaming bool, events chan<- models.StreamEvent) (*Response, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	turnID := uuid.New().String()
	ctx, span := a.tracer.StartTurn(ctx, turnID)
	defer span.End()
	logger := a.logger.With("turn_id", turnID)

	start := time.Now()
	resp := &Response{}
	outcome := "error"
	defer func() {
		a.metrics.RecordTurn(outcome, time.Since(start), resp.Iterations)
	}()

	// The merged catalog must reflect every configured remote server, so
	// block until their initial connection attempts have resolved.
	if err := a.registry.WaitReady(ctx); err != nil {
		turnErr := &TurnError{Phase: PhaseInit, Cause: err}
		observability.RecordError(span, turnErr)
		return nil, turnErr
	}

	if a.opts.SessionID != "" {
		if err := a.store.LoadSession(ctx, a.opts.SessionID); err != nil && !errors.Is(err, memory.ErrNoSessionHooks) {
			logger.Warn("session load failed", "session_id", a.opts.SessionID, "error", err)
		}
		defer func() {
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionSaveTimeout)
			defer cancel()
			if err := a.store.SaveSession(saveCtx, a.opts.SessionID); err != nil && !errors.Is(err, memory.ErrNoSessionHooks) {
				logger.Warn("session save failed", "session_id", a.opts.SessionID, "error", err)
			}
		}()
	}

	a.store.Add(models.UserMessage(models.TextBlock(input)))

	for iteration := 1; iteration <= a.opts.MaxToolIterations; iteration++ {
		resp.Iterations = iteration

		msg, stopReason, usage, err := a.invokeModel(ctx, a.buildRequest(ctx), iteration, streaming, events)
		if err != nil {
			phase := PhaseModelCall
			var streamErr *StreamError
			if errors.As(err, &streamErr) {
				phase = PhaseStream
			}
			turnErr := &TurnError{Phase: phase, Iteration: iteration, Cause: err}
			observability.RecordError(span, turnErr)
			return nil, turnErr
		}

		resp.Usage.Add(usage)
		resp.StopReason = stopReason

		if stopReason == models.StopToolUse {
			if uses := msg.ToolUses(); len(uses) > 0 {
				a.store.Add(msg)
				records, resultMsg := a.executeTools(ctx, uses)
				resp.ToolCalls = append(resp.ToolCalls, records...)
				a.store.Add(resultMsg)
				continue
			}
			// tool_use stop with no tool_use blocks: treat as end of turn
			logger.Warn("tool_use stop reason without tool_use blocks")
		}

		if stopReason == models.StopGuardrailIntervened || stopReason == models.StopContentFiltered {
			resp.GuardrailIntervened = true
			a.metrics.RecordGuardrailIntervention()
			logger.Info("guardrail intervened", "stop_reason", stopReason)
			if strings.TrimSpace(msg.Text()) == "" {
				msg = models.AssistantMessage(models.TextBlock(guardrailFallbackText))
			}
		}

		a.store.Add(msg)
		resp.Message = msg
		resp.Text = msg.Text()
		outcome = "success"
		logger.Info("turn complete",
			"iterations", iteration,
			"stop_reason", stopReason,
			"tool_calls", len(resp.ToolCalls),
			"total_tokens", resp.Usage.TotalTokens)
		return resp, nil
	}

	turnErr := &TurnError{
		Phase:     PhaseComplete,
		Iteration: a.opts.MaxToolIterations,
		Cause:     ErrMaxIterations,
	}
	observability.RecordError(span, turnErr)
	return nil, turnErr
}

// invokeModel performs one model call with retries. For streaming calls only
// establishing the stream is retried; events already forwarded to the caller
// cannot be unsent.
func (a *Agent) invokeModel(ctx context.Context, req *bedrock.Request, iteration int, streaming bool, events chan<- models.StreamEvent) (models.Message, models.StopReason, models.TokenUsage, error) {
	ctx, span := a.tracer.StartModelCall(ctx, a.model.ModelID(), iteration)
	defer span.End()

	attempts := 0
	countAttempt := func() {
		attempts++
		if attempts > 1 {
			a.metrics.RecordModelRetry()
		}
	}

	if !streaming {
		out, err := backoff.RetryValue(ctx, a.policy, backoff.Retryable, func(ctx context.Context) (*bedrock.Response, error) {
			countAttempt()
			resp, callErr := a.model.Converse(ctx, req)
			if callErr != nil {
				a.metrics.RecordModelCall("error")
				return nil, wrapAPIError(callErr)
			}
			a.metrics.RecordModelCall("success")
			return resp, nil
		})
		if err != nil {
			observability.RecordError(span, err)
			return models.Message{}, "", models.TokenUsage{}, err
		}
		a.metrics.RecordTokens(out.Usage.InputTokens, out.Usage.OutputTokens)
		return out.Message, out.StopReason, out.Usage, nil
	}

	// The stream context is cancelled as soon as consumption ends so the
	// client's pump goroutine releases the underlying stream even when the
	// accumulator stops receiving (timeout, broken stream).
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	stream, err := backoff.RetryValue(streamCtx, a.policy, backoff.Retryable, func(ctx context.Context) (<-chan models.StreamEvent, error) {
		countAttempt()
		s, callErr := a.model.ConverseStream(ctx, req)
		if callErr != nil {
			a.metrics.RecordModelCall("error")
			return nil, wrapAPIError(callErr)
		}
		return s, nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return models.Message{}, "", models.TokenUsage{}, err
	}

	result, err := newStreamAccumulator(a.logger).consume(streamCtx, stream, events, a.opts.StreamTimeout)
	if err != nil {
		a.metrics.RecordModelCall("error")
		var streamErr *StreamError
		if !errors.As(err, &streamErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = wrapAPIError(err)
		}
		observability.RecordError(span, err)
		return models.Message{}, "", models.TokenUsage{}, err
	}
	a.metrics.RecordModelCall("success")
	a.metrics.RecordTokens(result.usage.InputTokens, result.usage.OutputTokens)
	return result.message, result.stopReason, result.usage, nil
}

// executeTools runs the requested calls strictly sequentially in request
// order and packs all results into one user message.
func (a *Agent) executeTools(ctx context.Context, uses []models.ToolUseBlock) ([]models.ToolCallRecord, models.Message) {
	records := make([]models.ToolCallRecord, 0, len(uses))
	blocks := make([]models.ContentBlock, 0, len(uses))

	for _, use := range uses {
		toolCtx, span := a.tracer.StartToolExecution(ctx, use.Name)
		started := time.Now()
		result := a.registry.Execute(toolCtx, use)
		elapsed := time.Since(started)

		status := models.ResultSuccess
		var text string
		if result.ToolResult != nil {
			status = result.ToolResult.Status
			for _, inner := range result.ToolResult.Content {
				if inner.Type == models.BlockText {
					text += inner.Text
				}
			}
		}
		if status == models.ResultError {
			observability.RecordError(span, errors.New(text))
		}
		span.End()
		a.metrics.RecordToolExecution(use.Name, string(status), elapsed)

		records = append(records, models.ToolCallRecord{
			ID:       use.ID,
			Name:     use.Name,
			Input:    use.Input,
			Result:   text,
			Status:   status,
			Duration: elapsed,
		})
		blocks = append(blocks, result)
	}
	return records, models.UserMessage(blocks...)
}

func (a *Agent) buildRequest(ctx context.Context) *bedrock.Request {
	specs := a.registry.ListAll(ctx)
	toolSpecs := make([]bedrock.ToolSpec, 0, len(specs))
	for _, spec := range specs {
		toolSpecs = append(toolSpecs, bedrock.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}
	return &bedrock.Request{
		Messages:  a.store.Messages(),
		System:    a.opts.SystemPrompts,
		Inference: a.opts.Inference,
		Guardrail: a.opts.Guardrail,
		Tools:     toolSpecs,
	}
}
