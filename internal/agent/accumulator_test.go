package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

func feed(events ...models.StreamEvent) <-chan models.StreamEvent {
	ch := make(chan models.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestAccumulatorRebuildsTextMessage(t *testing.T) {
	stream := feed(
		models.MessageStartEvent(),
		models.TextDeltaEvent(0, "Hello"),
		models.TextDeltaEvent(0, " world"),
		models.BlockStopEvent(0),
		models.MessageStopEvent(models.StopEndTurn),
		models.MetadataEvent(models.TokenUsage{InputTokens: 12, OutputTokens: 4, TotalTokens: 16}),
	)

	result, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := result.message.Text(); got != "Hello world" {
		t.Errorf("text = %q", got)
	}
	if result.stopReason != models.StopEndTurn {
		t.Errorf("stop reason = %q", result.stopReason)
	}
	if result.usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", result.usage)
	}
}

func TestAccumulatorForwardsEveryEvent(t *testing.T) {
	events := []models.StreamEvent{
		models.MessageStartEvent(),
		models.TextDeltaEvent(0, "hi"),
		models.MessageStopEvent(models.StopEndTurn),
	}
	forward := make(chan models.StreamEvent, len(events))

	if _, err := newStreamAccumulator(nil).consume(context.Background(), feed(events...), forward, time.Second); err != nil {
		t.Fatal(err)
	}
	if got := len(forward); got != len(events) {
		t.Fatalf("forwarded %d events, want %d", got, len(events))
	}
	first := <-forward
	if first.Type != models.EventMessageStart {
		t.Errorf("first forwarded event = %q", first.Type)
	}
}

func TestAccumulatorBuildsToolUseBlocks(t *testing.T) {
	stream := feed(
		models.MessageStartEvent(),
		models.BlockStartEvent(0, models.BlockStart{Kind: models.BlockToolUse, ToolUseID: "tu_1", ToolName: "search"}),
		models.ToolInputDeltaEvent(0, `{"query":`),
		models.ToolInputDeltaEvent(0, `"golang"}`),
		models.BlockStopEvent(0),
		models.MessageStopEvent(models.StopToolUse),
	)

	result, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	uses := result.message.ToolUses()
	if len(uses) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(uses))
	}
	if uses[0].ID != "tu_1" || uses[0].Name != "search" {
		t.Errorf("tool use = %+v", uses[0])
	}
	if got := string(uses[0].Input); got != `{"query":"golang"}` {
		t.Errorf("input = %s", got)
	}
}

func TestAccumulatorUnparsableToolInputBecomesEmptyObject(t *testing.T) {
	stream := feed(
		models.MessageStartEvent(),
		models.BlockStartEvent(0, models.BlockStart{Kind: models.BlockToolUse, ToolUseID: "tu_1", ToolName: "search"}),
		models.ToolInputDeltaEvent(0, `{"query": truncat`),
		models.BlockStopEvent(0),
		models.MessageStopEvent(models.StopToolUse),
	)

	result, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	uses := result.message.ToolUses()
	if len(uses) != 1 || string(uses[0].Input) != "{}" {
		t.Errorf("uses = %+v, want empty object input", uses)
	}
}

func TestAccumulatorNoEventsIsStreamError(t *testing.T) {
	_, err := newStreamAccumulator(nil).consume(context.Background(), feed(), nil, time.Second)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
}

func TestAccumulatorMissingMessageStopIsStreamError(t *testing.T) {
	stream := feed(
		models.MessageStartEvent(),
		models.TextDeltaEvent(0, "partial"),
	)
	_, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, time.Second)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
}

func TestAccumulatorErrorEventForwardedAndReturned(t *testing.T) {
	boom := errors.New("throttled mid-stream")
	stream := feed(
		models.MessageStartEvent(),
		models.ErrorEvent(boom),
	)
	forward := make(chan models.StreamEvent, 2)

	_, err := newStreamAccumulator(nil).consume(context.Background(), stream, forward, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped original", err)
	}
	if len(forward) != 2 {
		t.Errorf("forwarded %d events, want error event included", len(forward))
	}
}

func TestAccumulatorTimeout(t *testing.T) {
	stream := make(chan models.StreamEvent) // never delivers

	start := time.Now()
	_, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, 20*time.Millisecond)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took too long")
	}
}

func TestAccumulatorContextCancellation(t *testing.T) {
	stream := make(chan models.StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newStreamAccumulator(nil).consume(ctx, stream, nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestAccumulatorOrdersBlocksByIndex(t *testing.T) {
	stream := feed(
		models.MessageStartEvent(),
		models.TextDeltaEvent(1, "second"),
		models.TextDeltaEvent(0, "first "),
		models.BlockStopEvent(0),
		models.BlockStopEvent(1),
		models.MessageStopEvent(models.StopEndTurn),
	)

	result, err := newStreamAccumulator(nil).consume(context.Background(), stream, nil, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := result.message.Text(); got != "first second" {
		t.Errorf("text = %q", got)
	}
}
