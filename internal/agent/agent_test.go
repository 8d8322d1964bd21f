package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/bedrock"
	"github.com/haasonsaas/loom/internal/memory"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// fakeModel scripts one outcome per call, in order. An entry with a non-nil
// err fails that call; otherwise resp (buffered) or events (streaming) is
// returned.
type fakeModel struct {
	script     []fakeCall
	calls      int
	requests   []*bedrock.Request
	streamCtxs []context.Context
}

type fakeCall struct {
	resp   *bedrock.Response
	events []models.StreamEvent
	err    error
	// hold leaves the event channel open after the scripted events, as a
	// stream that stalls mid-message would.
	hold bool
}

func (f *fakeModel) ModelID() string { return "test-model" }

func (f *fakeModel) next(req *bedrock.Request) (fakeCall, error) {
	f.requests = append(f.requests, req)
	if f.calls >= len(f.script) {
		return fakeCall{}, fmt.Errorf("unexpected call %d", f.calls+1)
	}
	call := f.script[f.calls]
	f.calls++
	return call, call.err
}

func (f *fakeModel) Converse(ctx context.Context, req *bedrock.Request) (*bedrock.Response, error) {
	call, err := f.next(req)
	if err != nil {
		return nil, err
	}
	return call.resp, nil
}

func (f *fakeModel) ConverseStream(ctx context.Context, req *bedrock.Request) (<-chan models.StreamEvent, error) {
	f.streamCtxs = append(f.streamCtxs, ctx)
	call, err := f.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan models.StreamEvent, len(call.events)+1)
	for _, ev := range call.events {
		ch <- ev
	}
	if !call.hold {
		close(ch)
	}
	return ch, nil
}

func textResponse(text string, stop models.StopReason) *bedrock.Response {
	return &bedrock.Response{
		Message:    models.AssistantMessage(models.TextBlock(text)),
		StopReason: stop,
		Usage:      models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolUseResponse(id, name string, input string) *bedrock.Response {
	return &bedrock.Response{
		Message:    models.AssistantMessage(models.ToolUse(id, name, json.RawMessage(input))),
		StopReason: models.StopToolUse,
		Usage:      models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry(nil, nil)
	err := registry.Register(tools.Descriptor{
		Name:        "echo",
		Description: "echoes its input back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			return "echo: " + args.Text, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func newTestAgent(t *testing.T, model ModelClient, opts Options) *Agent {
	t.Helper()
	store := memory.NewStore(memory.DefaultLimits(), nil, nil)
	policy := backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3}
	return New(model, store, echoRegistry(t), policy, opts, nil, nil, nil)
}

func TestConverseSimpleTurn(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: textResponse("hello there", models.StopEndTurn)},
	}}
	a := newTestAgent(t, model, Options{SystemPrompts: []string{"be brief"}})

	resp, err := a.Converse(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if resp.Text != "hello there" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Iterations != 1 || resp.StopReason != models.StopEndTurn {
		t.Errorf("iterations = %d, stop = %q", resp.Iterations, resp.StopReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got := a.store.Len(); got != 2 {
		t.Errorf("store has %d messages, want user + assistant", got)
	}
	if len(model.requests[0].System) != 1 || model.requests[0].System[0] != "be brief" {
		t.Errorf("system prompts = %v", model.requests[0].System)
	}
	if len(model.requests[0].Tools) != 1 || model.requests[0].Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", model.requests[0].Tools)
	}
}

func TestConverseEmptyInput(t *testing.T) {
	a := newTestAgent(t, &fakeModel{}, Options{})
	if _, err := a.Converse(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestConverseToolLoop(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: toolUseResponse("tu_1", "echo", `{"text":"ping"}`)},
		{resp: textResponse("the tool said: echo: ping", models.StopEndTurn)},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "run the echo tool")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if resp.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", resp.Iterations)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	record := resp.ToolCalls[0]
	if record.Name != "echo" || record.Status != models.ResultSuccess || record.Result != "echo: ping" {
		t.Errorf("record = %+v", record)
	}

	// Second request carries user, assistant tool_use, and the synthetic
	// tool_result user message.
	second := model.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second))
	}
	last := second[2]
	if last.Role != models.RoleUser || len(last.Content) != 1 || last.Content[0].Type != models.BlockToolResult {
		t.Errorf("synthetic message = %+v", last)
	}
	if last.Content[0].ToolResult.ToolUseID != "tu_1" {
		t.Errorf("tool result correlation = %+v", last.Content[0].ToolResult)
	}
}

func TestConverseMultipleToolCallsOneResultMessage(t *testing.T) {
	multiUse := &bedrock.Response{
		Message: models.AssistantMessage(
			models.ToolUse("tu_1", "echo", json.RawMessage(`{"text":"one"}`)),
			models.ToolUse("tu_2", "echo", json.RawMessage(`{"text":"two"}`)),
		),
		StopReason: models.StopToolUse,
	}
	model := &fakeModel{script: []fakeCall{
		{resp: multiUse},
		{resp: textResponse("done", models.StopEndTurn)},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "run twice")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "tu_1" || resp.ToolCalls[1].ID != "tu_2" {
		t.Errorf("execution order = %v, %v", resp.ToolCalls[0].ID, resp.ToolCalls[1].ID)
	}
	resultMsg := model.requests[1].Messages[2]
	if len(resultMsg.Content) != 2 {
		t.Errorf("result blocks = %d, want both results in one message", len(resultMsg.Content))
	}
}

func TestConverseToolUseStopWithoutBlocksEndsTurn(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: textResponse("odd reply", models.StopToolUse)},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if resp.Text != "odd reply" || resp.Iterations != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestConverseMaxIterations(t *testing.T) {
	loop := fakeCall{resp: toolUseResponse("tu_1", "echo", `{"text":"again"}`)}
	model := &fakeModel{script: []fakeCall{loop, loop, loop}}
	a := newTestAgent(t, model, Options{MaxToolIterations: 2})

	_, err := a.Converse(context.Background(), "loop forever")
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Iteration != 2 {
		t.Errorf("turn error = %+v", err)
	}
	if model.calls != 2 {
		t.Errorf("model calls = %d, want bounded at 2", model.calls)
	}
}

func TestConverseRetriesThrottling(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{err: errors.New("ThrottlingException: slow down")},
		{resp: textResponse("recovered", models.StopEndTurn)},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if resp.Text != "recovered" || model.calls != 2 {
		t.Errorf("text = %q, calls = %d", resp.Text, model.calls)
	}
}

func TestConverseNonRetryableFailsFast(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{err: errors.New("ValidationException: bad request")},
	}}
	a := newTestAgent(t, model, Options{})

	_, err := a.Converse(context.Background(), "hi")
	if err == nil {
		t.Fatal("want error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Retryable {
		t.Errorf("err = %v, want non-retryable APIError", err)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseModelCall {
		t.Errorf("phase = %v", err)
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
}

func TestConverseGuardrailApology(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: &bedrock.Response{
			Message:    models.AssistantMessage(),
			StopReason: models.StopGuardrailIntervened,
		}},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "do something blocked")
	if err != nil {
		t.Fatalf("Converse: %v", err)
	}
	if !resp.GuardrailIntervened {
		t.Error("GuardrailIntervened not set")
	}
	if resp.Text != guardrailFallbackText {
		t.Errorf("Text = %q, want fallback", resp.Text)
	}
}

func TestConverseGuardrailKeepsModelText(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: textResponse("partially filtered answer", models.StopContentFiltered)},
	}}
	a := newTestAgent(t, model, Options{})

	resp, err := a.Converse(context.Background(), "borderline")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.GuardrailIntervened || resp.Text != "partially filtered answer" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestConverseStreamForwardsAndAccumulates(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{events: []models.StreamEvent{
			models.MessageStartEvent(),
			models.TextDeltaEvent(0, "Hello"),
			models.TextDeltaEvent(0, " world"),
			models.BlockStopEvent(0),
			models.MessageStopEvent(models.StopEndTurn),
			models.MetadataEvent(models.TokenUsage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10}),
		}},
	}}
	a := newTestAgent(t, model, Options{})

	events := make(chan models.StreamEvent, 64)
	resp, err := a.ConverseStream(context.Background(), "hi", events)
	if err != nil {
		t.Fatalf("ConverseStream: %v", err)
	}
	if resp.Text != "Hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got := len(events); got != 6 {
		t.Errorf("forwarded %d events, want all 6", got)
	}
}

func TestConverseStreamToolLoop(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{events: []models.StreamEvent{
			models.MessageStartEvent(),
			models.BlockStartEvent(0, models.BlockStart{Kind: models.BlockToolUse, ToolUseID: "tu_1", ToolName: "echo"}),
			models.ToolInputDeltaEvent(0, `{"text":"ping"}`),
			models.BlockStopEvent(0),
			models.MessageStopEvent(models.StopToolUse),
		}},
		{events: []models.StreamEvent{
			models.MessageStartEvent(),
			models.TextDeltaEvent(0, "done"),
			models.BlockStopEvent(0),
			models.MessageStopEvent(models.StopEndTurn),
		}},
	}}
	a := newTestAgent(t, model, Options{})

	events := make(chan models.StreamEvent, 64)
	resp, err := a.ConverseStream(context.Background(), "stream a tool call", events)
	if err != nil {
		t.Fatalf("ConverseStream: %v", err)
	}
	if resp.Text != "done" || resp.Iterations != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Result != "echo: ping" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestConverseStreamBrokenStream(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{events: []models.StreamEvent{
			models.MessageStartEvent(),
			models.TextDeltaEvent(0, "partial"),
		}},
	}}
	a := newTestAgent(t, model, Options{})

	events := make(chan models.StreamEvent, 64)
	_, err := a.ConverseStream(context.Background(), "hi", events)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseStream {
		t.Errorf("phase = %v", err)
	}
}

func TestConverseStreamTimeoutCancelsStreamContext(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{events: []models.StreamEvent{
			models.MessageStartEvent(),
			models.TextDeltaEvent(0, "partial"),
		}, hold: true},
	}}
	a := newTestAgent(t, model, Options{StreamTimeout: 20 * time.Millisecond})

	events := make(chan models.StreamEvent, 64)
	_, err := a.ConverseStream(context.Background(), "hi", events)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if len(model.streamCtxs) != 1 {
		t.Fatalf("stream calls = %d, want 1", len(model.streamCtxs))
	}
	// The model call's context must end with the turn so the client can
	// release the underlying stream.
	if model.streamCtxs[0].Err() == nil {
		t.Error("stream context still live after abandoned stream")
	}
}

// gatedRemote exposes its catalog only after WaitReady has resolved, the
// way a pool with still-connecting servers would.
type gatedRemote struct {
	ready    bool
	readyErr error
}

func (g *gatedRemote) WaitReady(ctx context.Context) error {
	if g.readyErr != nil {
		return g.readyErr
	}
	g.ready = true
	return nil
}

func (g *gatedRemote) ListRemoteTools(ctx context.Context) ([]tools.Spec, error) {
	if !g.ready {
		return nil, nil
	}
	return []tools.Spec{
		{Name: "weather", Description: "remote weather", InputSchema: json.RawMessage(`{}`)},
	}, nil
}

func (g *gatedRemote) CallRemoteTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	return "", errors.New("no such tool")
}

func TestConverseWaitsForRemoteCatalog(t *testing.T) {
	model := &fakeModel{script: []fakeCall{
		{resp: textResponse("ok", models.StopEndTurn)},
	}}
	store := memory.NewStore(memory.DefaultLimits(), nil, nil)
	registry := tools.NewRegistry(&gatedRemote{}, nil)
	policy := backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 1}
	a := New(model, store, registry, policy, Options{}, nil, nil, nil)

	if _, err := a.Converse(context.Background(), "hi"); err != nil {
		t.Fatalf("Converse: %v", err)
	}
	reqTools := model.requests[0].Tools
	if len(reqTools) != 1 || reqTools[0].Name != "weather" {
		t.Errorf("request tools = %+v, want catalog built after readiness", reqTools)
	}
}

func TestConverseRemoteReadinessFailure(t *testing.T) {
	model := &fakeModel{}
	store := memory.NewStore(memory.DefaultLimits(), nil, nil)
	registry := tools.NewRegistry(&gatedRemote{readyErr: context.DeadlineExceeded}, nil)
	policy := backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 1}
	a := New(model, store, registry, policy, Options{}, nil, nil, nil)

	_, err := a.Converse(context.Background(), "hi")
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Phase != PhaseInit {
		t.Fatalf("err = %v, want PhaseInit TurnError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause = %v", err)
	}
	if model.calls != 0 {
		t.Errorf("model calls = %d, want none before readiness", model.calls)
	}
}

func TestConverseSessionHooks(t *testing.T) {
	fetched := models.Message{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("earlier")}}
	var saved []models.Message
	hooks := &memory.SessionHooks{
		Fetch: func(ctx context.Context, sessionID string) ([]models.Message, error) {
			if sessionID != "sess-1" {
				t.Errorf("fetch session = %q", sessionID)
			}
			return []models.Message{fetched}, nil
		},
		Save: func(ctx context.Context, sessionID string, msgs []models.Message) error {
			saved = append([]models.Message(nil), msgs...)
			return nil
		},
	}
	store := memory.NewStore(memory.DefaultLimits(), hooks, nil)
	model := &fakeModel{script: []fakeCall{
		{resp: textResponse("hi again", models.StopEndTurn)},
	}}
	policy := backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 1}
	a := New(model, store, echoRegistry(t), policy, Options{SessionID: "sess-1"}, nil, nil, nil)

	if _, err := a.Converse(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	// fetched history + new user + assistant
	if len(saved) != 3 {
		t.Fatalf("saved %d messages, want 3", len(saved))
	}
	if saved[0].Text() != "earlier" {
		t.Errorf("saved[0] = %+v", saved[0])
	}
	if len(model.requests[0].Messages) != 2 {
		t.Errorf("request messages = %d, want fetched + new input", len(model.requests[0].Messages))
	}
}
