// Package models provides domain types for the Loom agent orchestration layer.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry: a role plus an ordered list of content
// blocks. Messages are owned by the memory store and are immutable once
// appended, except for removal during eviction.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserMessage builds a user message from content blocks.
func UserMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, Content: blocks}
}

// AssistantMessage builds an assistant message from content blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Content: blocks}
}

// Text returns the concatenated text of all text blocks in the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool-use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockDocument   BlockType = "document"
	BlockVideo      BlockType = "video"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is a tagged union of the block kinds a message may carry.
// Type is the single discriminator; exactly one payload field is set for a
// given Type (Text for BlockText, Media for the media kinds, and so on).
// Use the constructors to keep the discriminator and payload consistent.
//
// A tool_use block's ID is assumed to be matched by exactly one later
// tool_result block with the same ID before the next model call. The store
// and controller rely on the model API honoring this; it is not enforced.
type ContentBlock struct {
	Type BlockType `json:"type"`

	Text       string           `json:"text,omitempty"`
	Media      *MediaBlock      `json:"media,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// MediaBlock carries an image, document, or video payload by bytes or URI.
// Construction from raw sources happens outside this package; these are
// plain value carriers.
type MediaBlock struct {
	Format string `json:"format,omitempty"` // png, jpeg, pdf, mp4, ...
	Name   string `json:"name,omitempty"`
	Bytes  []byte `json:"bytes,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// ToolUseBlock is the model's request to execute one tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ResultStatus indicates whether a tool execution succeeded.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// ToolResultBlock carries the outcome of one tool execution, correlated to
// its tool_use block by ToolUseID.
type ToolResultBlock struct {
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content"`
	Status    ResultStatus   `json:"status"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(media MediaBlock) ContentBlock {
	return ContentBlock{Type: BlockImage, Media: &media}
}

// DocumentBlock builds a document content block.
func DocumentBlock(media MediaBlock) ContentBlock {
	return ContentBlock{Type: BlockDocument, Media: &media}
}

// VideoBlock builds a video content block.
func VideoBlock(media MediaBlock) ContentBlock {
	return ContentBlock{Type: BlockVideo, Media: &media}
}

// ToolUse builds a tool_use content block.
func ToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ToolUse: &ToolUseBlock{ID: id, Name: name, Input: input}}
}

// ToolResult builds a tool_result content block.
func ToolResult(toolUseID string, status ResultStatus, content ...ContentBlock) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolResult: &ToolResultBlock{
		ToolUseID: toolUseID,
		Content:   content,
		Status:    status,
	}}
}

// StopReason is the model API's signal for why generation ended.
type StopReason string

const (
	StopEndTurn             StopReason = "end_turn"
	StopMaxTokens           StopReason = "max_tokens"
	StopStopSequence        StopReason = "stop_sequence"
	StopToolUse             StopReason = "tool_use"
	StopContentFiltered     StopReason = "content_filtered"
	StopGuardrailIntervened StopReason = "guardrail_intervened"
)

// TokenUsage tracks token consumption for one model call or a whole turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallRecord correlates one tool_use id with its name, input, and result
// for per-turn reporting. Records live only for the duration of one turn.
type ToolCallRecord struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Result   string          `json:"result"`
	Status   ResultStatus    `json:"status"`
	Duration time.Duration   `json:"duration"`
}
