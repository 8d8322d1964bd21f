package bedrock

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/loom/pkg/models"
)

func toSDKMessages(msgs []models.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for _, msg := range msgs {
		converted, err := toSDKMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(converted.Content) == 0 {
			continue
		}
		out = append(out, converted)
	}
	return out, nil
}

func toSDKMessage(msg models.Message) (types.Message, error) {
	role := types.ConversationRoleUser
	if msg.Role == models.RoleAssistant {
		role = types.ConversationRoleAssistant
	}

	content := make([]types.ContentBlock, 0, len(msg.Content))
	for _, block := range msg.Content {
		converted, err := toSDKBlock(block)
		if err != nil {
			return types.Message{}, err
		}
		if converted != nil {
			content = append(content, converted)
		}
	}
	return types.Message{Role: role, Content: content}, nil
}

func toSDKBlock(block models.ContentBlock) (types.ContentBlock, error) {
	switch block.Type {
	case models.BlockText:
		return &types.ContentBlockMemberText{Value: block.Text}, nil

	case models.BlockImage:
		if block.Media == nil {
			return nil, fmt.Errorf("image block missing media payload")
		}
		return &types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: types.ImageFormat(block.Media.Format),
			Source: &types.ImageSourceMemberBytes{Value: block.Media.Bytes},
		}}, nil

	case models.BlockDocument:
		if block.Media == nil {
			return nil, fmt.Errorf("document block missing media payload")
		}
		name := block.Media.Name
		if name == "" {
			name = "document"
		}
		return &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
			Format: types.DocumentFormat(block.Media.Format),
			Name:   aws.String(name),
			Source: &types.DocumentSourceMemberBytes{Value: block.Media.Bytes},
		}}, nil

	case models.BlockVideo:
		if block.Media == nil {
			return nil, fmt.Errorf("video block missing media payload")
		}
		var source types.VideoSource
		if block.Media.URI != "" {
			source = &types.VideoSourceMemberS3Location{Value: types.S3Location{
				Uri: aws.String(block.Media.URI),
			}}
		} else {
			source = &types.VideoSourceMemberBytes{Value: block.Media.Bytes}
		}
		return &types.ContentBlockMemberVideo{Value: types.VideoBlock{
			Format: types.VideoFormat(block.Media.Format),
			Source: source,
		}}, nil

	case models.BlockToolUse:
		if block.ToolUse == nil {
			return nil, fmt.Errorf("tool_use block missing payload")
		}
		var input any
		if err := json.Unmarshal(block.ToolUse.Input, &input); err != nil || input == nil {
			input = map[string]any{}
		}
		return &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
			ToolUseId: aws.String(block.ToolUse.ID),
			Name:      aws.String(block.ToolUse.Name),
			Input:     document.NewLazyDocument(input),
		}}, nil

	case models.BlockToolResult:
		if block.ToolResult == nil {
			return nil, fmt.Errorf("tool_result block missing payload")
		}
		return toSDKToolResult(block.ToolResult)

	default:
		return nil, fmt.Errorf("unsupported content block type %q", block.Type)
	}
}

func toSDKToolResult(result *models.ToolResultBlock) (types.ContentBlock, error) {
	content := make([]types.ToolResultContentBlock, 0, len(result.Content))
	for _, inner := range result.Content {
		switch inner.Type {
		case models.BlockText:
			content = append(content, &types.ToolResultContentBlockMemberText{Value: inner.Text})
		case models.BlockImage:
			if inner.Media == nil {
				continue
			}
			content = append(content, &types.ToolResultContentBlockMemberImage{Value: types.ImageBlock{
				Format: types.ImageFormat(inner.Media.Format),
				Source: &types.ImageSourceMemberBytes{Value: inner.Media.Bytes},
			}})
		default:
			return nil, fmt.Errorf("unsupported tool_result content type %q", inner.Type)
		}
	}

	status := types.ToolResultStatusSuccess
	if result.Status == models.ResultError {
		status = types.ToolResultStatusError
	}
	return &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
		ToolUseId: aws.String(result.ToolUseID),
		Content:   content,
		Status:    status,
	}}, nil
}

func fromSDKMessage(msg types.Message) models.Message {
	out := models.Message{Role: models.RoleAssistant}
	if msg.Role == types.ConversationRoleUser {
		out.Role = models.RoleUser
	}
	for _, block := range msg.Content {
		if converted, ok := fromSDKBlock(block); ok {
			out.Content = append(out.Content, converted)
		}
	}
	return out
}

// fromSDKBlock converts one SDK block. Unrecognized members are dropped
// rather than failing the whole message.
func fromSDKBlock(block types.ContentBlock) (models.ContentBlock, bool) {
	switch b := block.(type) {
	case *types.ContentBlockMemberText:
		return models.TextBlock(b.Value), true

	case *types.ContentBlockMemberToolUse:
		input := json.RawMessage(`{}`)
		if b.Value.Input != nil {
			if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
				input = raw
			}
		}
		return models.ToolUse(aws.ToString(b.Value.ToolUseId), aws.ToString(b.Value.Name), input), true

	case *types.ContentBlockMemberImage:
		media := models.MediaBlock{Format: string(b.Value.Format)}
		if src, ok := b.Value.Source.(*types.ImageSourceMemberBytes); ok {
			media.Bytes = src.Value
		}
		return models.ImageBlock(media), true

	case *types.ContentBlockMemberDocument:
		media := models.MediaBlock{
			Format: string(b.Value.Format),
			Name:   aws.ToString(b.Value.Name),
		}
		if src, ok := b.Value.Source.(*types.DocumentSourceMemberBytes); ok {
			media.Bytes = src.Value
		}
		return models.DocumentBlock(media), true

	case *types.ContentBlockMemberVideo:
		media := models.MediaBlock{Format: string(b.Value.Format)}
		switch src := b.Value.Source.(type) {
		case *types.VideoSourceMemberBytes:
			media.Bytes = src.Value
		case *types.VideoSourceMemberS3Location:
			media.URI = aws.ToString(src.Value.Uri)
		}
		return models.VideoBlock(media), true

	case *types.ContentBlockMemberToolResult:
		status := models.ResultSuccess
		if b.Value.Status == types.ToolResultStatusError {
			status = models.ResultError
		}
		var content []models.ContentBlock
		for _, inner := range b.Value.Content {
			switch c := inner.(type) {
			case *types.ToolResultContentBlockMemberText:
				content = append(content, models.TextBlock(c.Value))
			case *types.ToolResultContentBlockMemberImage:
				media := models.MediaBlock{Format: string(c.Value.Format)}
				if src, ok := c.Value.Source.(*types.ImageSourceMemberBytes); ok {
					media.Bytes = src.Value
				}
				content = append(content, models.ImageBlock(media))
			}
		}
		return models.ToolResult(aws.ToString(b.Value.ToolUseId), status, content...), true
	}
	return models.ContentBlock{}, false
}

func toSDKSystem(system []string) []types.SystemContentBlock {
	if len(system) == 0 {
		return nil
	}
	out := make([]types.SystemContentBlock, 0, len(system))
	for _, prompt := range system {
		if prompt == "" {
			continue
		}
		out = append(out, &types.SystemContentBlockMemberText{Value: prompt})
	}
	return out
}

func toSDKInference(inf Inference) *types.InferenceConfiguration {
	if inf.Temperature == nil && inf.TopP == nil && inf.MaxTokens <= 0 && len(inf.StopSequences) == 0 {
		return nil
	}
	cfg := &types.InferenceConfiguration{
		Temperature:   inf.Temperature,
		TopP:          inf.TopP,
		StopSequences: inf.StopSequences,
	}
	if inf.MaxTokens > 0 {
		// #nosec G115 -- model token limits are far below int32 range
		cfg.MaxTokens = aws.Int32(int32(inf.MaxTokens))
	}
	return cfg
}

func toSDKToolConfig(specs []ToolSpec) (*types.ToolConfiguration, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]types.Tool, 0, len(specs))
	for _, spec := range specs {
		var schema any
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", spec.Name, err)
			}
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(spec.Name),
			Description: aws.String(spec.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}, nil
}

func toSDKGuardrail(g *GuardrailConfig) *types.GuardrailConfiguration {
	if g == nil {
		return nil
	}
	return &types.GuardrailConfiguration{
		GuardrailIdentifier: aws.String(g.ID),
		GuardrailVersion:    aws.String(g.Version),
		Trace:               guardrailTrace(g.Trace),
	}
}

func toSDKStreamGuardrail(g *GuardrailConfig) *types.GuardrailStreamConfiguration {
	if g == nil {
		return nil
	}
	return &types.GuardrailStreamConfiguration{
		GuardrailIdentifier: aws.String(g.ID),
		GuardrailVersion:    aws.String(g.Version),
		Trace:               guardrailTrace(g.Trace),
	}
}

func guardrailTrace(enabled bool) types.GuardrailTrace {
	if enabled {
		return types.GuardrailTraceEnabled
	}
	return types.GuardrailTraceDisabled
}

func fromSDKStopReason(reason types.StopReason) models.StopReason {
	switch reason {
	case types.StopReasonEndTurn:
		return models.StopEndTurn
	case types.StopReasonMaxTokens:
		return models.StopMaxTokens
	case types.StopReasonStopSequence:
		return models.StopStopSequence
	case types.StopReasonToolUse:
		return models.StopToolUse
	case types.StopReasonContentFiltered:
		return models.StopContentFiltered
	case types.StopReasonGuardrailIntervened:
		return models.StopGuardrailIntervened
	default:
		return models.StopEndTurn
	}
}

func usageFromSDK(usage *types.TokenUsage) models.TokenUsage {
	if usage == nil {
		return models.TokenUsage{}
	}
	return models.TokenUsage{
		InputTokens:  int(aws.ToInt32(usage.InputTokens)),
		OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
	}
}
