package memory

import (
	"unicode/utf8"

	"github.com/haasonsaas/loom/pkg/models"
)

// Fixed per-block estimates for media content and the per-message framing
// overhead. These are deliberate approximations; exact tokenizer counts are
// out of scope for eviction decisions.
const (
	imageTokens     = 800
	documentTokens  = 1000
	videoTokens     = 1500
	messageOverhead = 3
)

// EstimateText approximates the token count of a string as ceil(runes / 4).
func EstimateText(s string) int {
	runes := utf8.RuneCountInString(s)
	return (runes + 3) / 4
}

// EstimateMessage approximates the token count of one message, including
// the fixed per-message overhead.
func EstimateMessage(msg models.Message) int {
	total := messageOverhead
	for _, block := range msg.Content {
		total += estimateBlock(block)
	}
	return total
}

// EstimateMessages sums EstimateMessage over a slice.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

func estimateBlock(block models.ContentBlock) int {
	switch block.Type {
	case models.BlockText:
		return EstimateText(block.Text)
	case models.BlockImage:
		return imageTokens
	case models.BlockDocument:
		return documentTokens
	case models.BlockVideo:
		return videoTokens
	case models.BlockToolUse:
		if block.ToolUse == nil {
			return 0
		}
		return EstimateText(block.ToolUse.Name) + EstimateText(string(block.ToolUse.Input))
	case models.BlockToolResult:
		if block.ToolResult == nil {
			return 0
		}
		total := 0
		for _, nested := range block.ToolResult.Content {
			total += estimateBlock(nested)
		}
		return total
	default:
		return 0
	}
}
