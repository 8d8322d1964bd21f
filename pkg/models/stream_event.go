package models

// StreamEventType identifies the kind of a streaming event.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageStop       StreamEventType = "message_stop"
	EventMetadata          StreamEventType = "metadata"
	EventError             StreamEventType = "error"
)

// StreamEvent is one element of a model response stream. Type is the single
// discriminator; the payload fields used depend on it:
//
//	message_start        none
//	content_block_start  Index, Start
//	content_block_delta  Index, Delta
//	content_block_stop   Index
//	message_stop         StopReason
//	metadata             Usage
//	error                Err
//
// Events are ephemeral: they are consumed in order by an accumulator and
// never persisted.
type StreamEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index,omitempty"`

	Start      *BlockStart `json:"start,omitempty"`
	Delta      *BlockDelta `json:"delta,omitempty"`
	StopReason StopReason  `json:"stop_reason,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	Err        error       `json:"-"`
}

// BlockStart announces a new content block at an index. For tool_use blocks
// it carries the tool identity up front; the input arrives as deltas.
type BlockStart struct {
	Kind      BlockType `json:"kind"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
}

// BlockDelta is an incremental fragment for the block at an index. Exactly
// one of Text or ToolInput is non-empty.
type BlockDelta struct {
	Text      string `json:"text,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
}

// MessageStartEvent builds a message_start event.
func MessageStartEvent() StreamEvent {
	return StreamEvent{Type: EventMessageStart}
}

// BlockStartEvent builds a content_block_start event.
func BlockStartEvent(index int, start BlockStart) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: index, Start: &start}
}

// TextDeltaEvent builds a content_block_delta event carrying text.
func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: index, Delta: &BlockDelta{Text: text}}
}

// ToolInputDeltaEvent builds a content_block_delta event carrying a fragment
// of serialized tool input.
func ToolInputDeltaEvent(index int, fragment string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: index, Delta: &BlockDelta{ToolInput: fragment}}
}

// BlockStopEvent builds a content_block_stop event.
func BlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: index}
}

// MessageStopEvent builds a message_stop event.
func MessageStopEvent(reason StopReason) StreamEvent {
	return StreamEvent{Type: EventMessageStop, StopReason: reason}
}

// MetadataEvent builds a metadata event carrying token usage.
func MetadataEvent(usage TokenUsage) StreamEvent {
	return StreamEvent{Type: EventMetadata, Usage: &usage}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}
