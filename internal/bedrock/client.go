// Package bedrock wraps the AWS Bedrock Converse and ConverseStream APIs
// behind the domain message types.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/loom/pkg/models"
)

const defaultModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"

// Config holds AWS connection settings for the model client.
type Config struct {
	// Region is the AWS region (default: us-east-1).
	Region string

	// ModelID is the Bedrock model identifier.
	ModelID string

	// AccessKeyID / SecretAccessKey / SessionToken configure explicit
	// credentials. When empty the default credential chain is used
	// (environment, shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Inference holds per-request sampling parameters. Nil pointers and zero
// values mean "let the model default apply".
type Inference struct {
	Temperature   *float32 `yaml:"temperature" json:"temperature,omitempty"`
	TopP          *float32 `yaml:"top_p" json:"top_p,omitempty"`
	MaxTokens     int      `yaml:"max_tokens" json:"max_tokens,omitempty"`
	StopSequences []string `yaml:"stop_sequences" json:"stop_sequences,omitempty"`
}

// GuardrailConfig names a Bedrock guardrail to apply to a request.
type GuardrailConfig struct {
	ID      string `yaml:"id" json:"id"`
	Version string `yaml:"version" json:"version"`
	Trace   bool   `yaml:"trace" json:"trace,omitempty"`
}

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one model invocation: conversation history, system prompts,
// sampling parameters, and the tool catalog.
type Request struct {
	Messages  []models.Message
	System    []string
	Inference Inference
	Guardrail *GuardrailConfig
	Tools     []ToolSpec
}

// Response is a buffered model reply.
type Response struct {
	Message    models.Message
	StopReason models.StopReason
	Usage      models.TokenUsage
}

// converseAPI is the slice of bedrockruntime.Client the client depends on.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client calls a single Bedrock model. Safe for concurrent use.
type Client struct {
	api     converseAPI
	modelID string
	logger  *slog.Logger
}

// New builds a client from AWS configuration. Explicit credentials take
// precedence; otherwise the default chain resolves them.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return newWithAPI(bedrockruntime.NewFromConfig(awsCfg), cfg.ModelID, logger), nil
}

// newWithAPI is the test seam for injecting a fake Converse API.
func newWithAPI(api converseAPI, modelID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     api,
		modelID: modelID,
		logger:  logger.With("component", "bedrock"),
	}
}

// ModelID returns the configured model identifier.
func (c *Client) ModelID() string {
	return c.modelID
}

// Converse sends a buffered model invocation and returns the full reply.
func (c *Client) Converse(ctx context.Context, req *Request) (*Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}

	out, err := c.api.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("converse: %w", err)
	}

	resp := &Response{
		StopReason: fromSDKStopReason(out.StopReason),
		Usage:      usageFromSDK(out.Usage),
	}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		resp.Message = fromSDKMessage(msg.Value)
	}
	return resp, nil
}

// ConverseStream sends a streaming invocation. Events arrive on the returned
// channel in model order; the channel is closed when the stream ends. An SDK
// stream failure surfaces as a terminal error event before the close.
func (c *Client) ConverseStream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error) {
	input, err := c.buildConverseStreamInput(req)
	if err != nil {
		return nil, err
	}

	out, err := c.api.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("converse stream: %w", err)
	}

	events := make(chan models.StreamEvent, 16)
	go c.pump(ctx, out, events)
	return events, nil
}

// pump translates SDK stream members into domain events. Metadata arrives
// after message_stop, so the loop drains until the SDK channel closes.
// Every send honors ctx so an abandoned consumer cannot strand the
// goroutine or hold the SDK stream open.
func (c *Client) pump(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, events chan<- models.StreamEvent) {
	defer close(events)

	stream := out.GetStream()
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			send(ctx, events, models.ErrorEvent(ctx.Err()))
			return
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					send(ctx, events, models.ErrorEvent(fmt.Errorf("converse stream: %w", err)))
				}
				return
			}
			for _, translated := range translateStreamEvent(event) {
				if !send(ctx, events, translated) {
					return
				}
			}
		}
	}
}

func send(ctx context.Context, events chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func translateStreamEvent(event types.ConverseStreamOutput) []models.StreamEvent {
	switch ev := event.(type) {
	case *types.ConverseStreamOutputMemberMessageStart:
		return []models.StreamEvent{models.MessageStartEvent()}

	case *types.ConverseStreamOutputMemberContentBlockStart:
		index := int(aws.ToInt32(ev.Value.ContentBlockIndex))
		if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			return []models.StreamEvent{models.BlockStartEvent(index, models.BlockStart{
				Kind:      models.BlockToolUse,
				ToolUseID: aws.ToString(toolUse.Value.ToolUseId),
				ToolName:  aws.ToString(toolUse.Value.Name),
			})}
		}
		return []models.StreamEvent{models.BlockStartEvent(index, models.BlockStart{Kind: models.BlockText})}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		index := int(aws.ToInt32(ev.Value.ContentBlockIndex))
		switch delta := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return []models.StreamEvent{models.TextDeltaEvent(index, delta.Value)}
		case *types.ContentBlockDeltaMemberToolUse:
			return []models.StreamEvent{models.ToolInputDeltaEvent(index, aws.ToString(delta.Value.Input))}
		}
		return nil

	case *types.ConverseStreamOutputMemberContentBlockStop:
		index := int(aws.ToInt32(ev.Value.ContentBlockIndex))
		return []models.StreamEvent{models.BlockStopEvent(index)}

	case *types.ConverseStreamOutputMemberMessageStop:
		return []models.StreamEvent{models.MessageStopEvent(fromSDKStopReason(ev.Value.StopReason))}

	case *types.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			return []models.StreamEvent{models.MetadataEvent(usageFromSDK(ev.Value.Usage))}
		}
		return nil
	}
	return nil
}

func (c *Client) buildConverseInput(req *Request) (*bedrockruntime.ConverseInput, error) {
	messages, err := toSDKMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolConfig, err := toSDKToolConfig(req.Tools)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.modelID),
		Messages:        messages,
		System:          toSDKSystem(req.System),
		InferenceConfig: toSDKInference(req.Inference),
		ToolConfig:      toolConfig,
		GuardrailConfig: toSDKGuardrail(req.Guardrail),
	}, nil
}

func (c *Client) buildConverseStreamInput(req *Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := toSDKMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	toolConfig, err := toSDKToolConfig(req.Tools)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(c.modelID),
		Messages:        messages,
		System:          toSDKSystem(req.System),
		InferenceConfig: toSDKInference(req.Inference),
		ToolConfig:      toolConfig,
		GuardrailConfig: toSDKStreamGuardrail(req.Guardrail),
	}, nil
}
