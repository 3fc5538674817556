package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fennelabs/agentloop/pkg/model"
)

// AnthropicWire adapts anthropics/anthropic-sdk-go's message stream to
// WireClient. Grounded on internal/agent/providers/anthropic.go's
// AnthropicProvider.createStream/convertMessages/convertTools and its
// processStream event-type switch; the beta/computer-use path is not
// carried over since no SPEC_FULL.md component exercises it.
type AnthropicWire struct {
	client anthropic.Client
}

// NewAnthropicWire builds a wire client from an API key and optional base
// URL override.
func NewAnthropicWire(apiKey, baseURL string) *AnthropicWire {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicWire{client: anthropic.NewClient(opts...)}
}

// NewAnthropicWireFromEnv reads ANTHROPIC_API_KEY.
func NewAnthropicWireFromEnv() (*AnthropicWire, error) {
	key := envOrError("ANTHROPIC_API_KEY")
	if key.err != nil {
		return nil, model.NewConfigError(key.err.Error())
	}
	return NewAnthropicWire(key.value, ""), nil
}

func (w *AnthropicWire) Name() string        { return "anthropic" }
func (w *AnthropicWire) SupportsTools() bool { return true }

func (w *AnthropicWire) Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return nil, model.NewProtocolError("anthropic: convert messages: " + err.Error())
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.Config.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.Config.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return nil, model.NewProtocolError("anthropic: convert tools: " + err.Error())
		}
		params.Tools = tools
	}

	stream := w.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan model.StreamChunk)
	go processAnthropicStream(ctx, stream, chunks)
	return chunks, nil
}

func processAnthropicStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- model.StreamChunk) {
	defer close(chunks)

	var inputTokens, outputTokens int
	var toolIndex int
	var activeToolIndex = -1
	sawToolCall := false

	for stream.Next() {
		select {
		case <-ctx.Done():
			chunks <- model.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				activeToolIndex = toolIndex
				toolIndex++
				sawToolCall = true
				id := toolUse.ID
				name := toolUse.Name
				chunks <- model.StreamChunk{ToolCallDelta: &model.ToolCallDelta{
					Index: activeToolIndex,
					ID:    &id,
					Name:  &name,
				}}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- model.StreamChunk{Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- model.StreamChunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && activeToolIndex >= 0 {
					chunks <- model.StreamChunk{ToolCallDelta: &model.ToolCallDelta{
						Index:          activeToolIndex,
						ArgumentsDelta: delta.PartialJSON,
					}}
				}
			}

		case "content_block_stop":
			activeToolIndex = -1

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			finish := model.FinishStop
			if sawToolCall {
				finish = model.FinishToolCalls
			}
			chunks <- model.StreamChunk{
				Done:         true,
				FinishReason: finish,
				Usage:        model.TokenUsage{InputTokens: inputTokens, OutputTokens: outputTokens},
			}
			return

		case "error":
			chunks <- model.StreamChunk{Err: model.NewProviderError("anthropic", "", errors.New("anthropic stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- model.StreamChunk{Err: model.NewProviderError("anthropic", "", err)}
	}
}

func convertToAnthropicMessages(messages []model.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == model.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, err
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		var paramMsg anthropic.MessageParam
		if msg.Role == model.RoleAssistant {
			paramMsg = anthropic.NewAssistantMessage(content...)
		} else {
			paramMsg = anthropic.NewUserMessage(content...)
		}
		result = append(result, paramMsg)
	}

	return result, nil
}

func convertToAnthropicTools(tools []model.ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, err
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}
