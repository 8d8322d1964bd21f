package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// streamResult is the reassembled outcome of one model stream.
type streamResult struct {
	message    models.Message
	stopReason models.StopReason
	usage      models.TokenUsage
}

// partialBlock collects the fragments of one content block by stream index.
type partialBlock struct {
	kind      models.BlockType
	text      strings.Builder
	toolUseID string
	toolName  string
	toolInput strings.Builder
	input     json.RawMessage
	finalized bool
}

// streamAccumulator rebuilds a complete assistant message from an ordered
// event stream, forwarding every event to an optional caller channel as it
// goes. One accumulator serves one stream.
type streamAccumulator struct {
	logger *slog.Logger

	blocks  map[int]*partialBlock
	indexes []int
}

func newStreamAccumulator(logger *slog.Logger) *streamAccumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamAccumulator{
		logger: logger,
		blocks: make(map[int]*partialBlock),
	}
}

// consume drains events until the channel closes, applying a wall-clock
// timeout over the whole stream. Every event is forwarded to the caller
// channel before being applied; a nil forward channel disables forwarding.
// An error event is forwarded and then returned as the stream error. A
// stream that ends without a message_stop, or delivers no events at all,
// fails with a StreamError.
func (a *streamAccumulator) consume(ctx context.Context, events <-chan models.StreamEvent, forward chan<- models.StreamEvent, timeout time.Duration) (*streamResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := &streamResult{}
	sawEvent := false
	sawStop := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, &StreamError{Reason: "timed out after " + timeout.String()}

		case event, ok := <-events:
			if !ok {
				if !sawEvent {
					return nil, &StreamError{Reason: "no events received"}
				}
				if !sawStop {
					return nil, &StreamError{Reason: "stream ended without message_stop"}
				}
				result.message = a.buildMessage()
				return result, nil
			}
			sawEvent = true
			if forward != nil {
				forward <- event
			}

			switch event.Type {
			case models.EventMessageStart:

			case models.EventContentBlockStart:
				a.startBlock(event.Index, event.Start)

			case models.EventContentBlockDelta:
				a.applyDelta(event.Index, event.Delta)

			case models.EventContentBlockStop:
				a.finalizeBlock(event.Index)

			case models.EventMessageStop:
				result.stopReason = event.StopReason
				sawStop = true

			case models.EventMetadata:
				if event.Usage != nil {
					result.usage.Add(*event.Usage)
				}

			case models.EventError:
				return nil, event.Err
			}
		}
	}
}

func (a *streamAccumulator) block(index int) *partialBlock {
	if b, ok := a.blocks[index]; ok {
		return b
	}
	b := &partialBlock{kind: models.BlockText}
	a.blocks[index] = b
	a.indexes = append(a.indexes, index)
	return b
}

func (a *streamAccumulator) startBlock(index int, start *models.BlockStart) {
	b := a.block(index)
	if start == nil {
		return
	}
	b.kind = start.Kind
	b.toolUseID = start.ToolUseID
	b.toolName = start.ToolName
}

func (a *streamAccumulator) applyDelta(index int, delta *models.BlockDelta) {
	if delta == nil {
		return
	}
	b := a.block(index)
	if delta.Text != "" {
		b.text.WriteString(delta.Text)
	}
	if delta.ToolInput != "" {
		b.toolInput.WriteString(delta.ToolInput)
	}
}

// finalizeBlock parses a tool block's accumulated input JSON. Unparsable
// input degrades to an empty object so the tool call still executes and the
// registry reports the validation failure to the model.
func (a *streamAccumulator) finalizeBlock(index int) {
	b, ok := a.blocks[index]
	if !ok || b.finalized {
		return
	}
	b.finalized = true
	if b.kind != models.BlockToolUse {
		return
	}

	raw := strings.TrimSpace(b.toolInput.String())
	if raw == "" {
		b.input = json.RawMessage(`{}`)
		return
	}
	if !json.Valid([]byte(raw)) {
		a.logger.Warn("discarding unparsable tool input",
			"tool", b.toolName, "tool_use_id", b.toolUseID)
		b.input = json.RawMessage(`{}`)
		return
	}
	b.input = json.RawMessage(raw)
}

func (a *streamAccumulator) buildMessage() models.Message {
	sort.Ints(a.indexes)

	msg := models.Message{Role: models.RoleAssistant}
	for _, index := range a.indexes {
		b := a.blocks[index]
		if !b.finalized {
			a.finalizeBlock(index)
		}
		switch b.kind {
		case models.BlockToolUse:
			msg.Content = append(msg.Content, models.ToolUse(b.toolUseID, b.toolName, b.input))
		default:
			msg.Content = append(msg.Content, models.TextBlock(b.text.String()))
		}
	}
	return msg
}
