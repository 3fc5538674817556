package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fennelabs/agentloop/pkg/model"
)

// OpenAIWire adapts sashabaranov/go-openai's chat completion stream to
// WireClient. Grounded on internal/agent/providers/openai.go's
// OpenAIProvider — convertToOpenAIMessages/convertToOpenAITools and the
// processStream tool-call-delta accumulation are carried over near
// verbatim, generalized from the teacher's single-shot Complete into
// WireClient's Stream contract. Azure OpenAI and OpenRouter are both
// OpenAI-wire-compatible backends reached through this same struct with a
// different *openai.Client configuration — see NewAzureWire and
// NewOpenRouterWire in openai_compat.go.
type OpenAIWire struct {
	client *openai.Client
	name   string
}

// NewOpenAIWire builds a wire client from an API key.
func NewOpenAIWire(apiKey string) *OpenAIWire {
	return &OpenAIWire{client: openai.NewClient(apiKey), name: "openai"}
}

// NewOpenAIWireFromEnv reads OPENAI_API_KEY.
func NewOpenAIWireFromEnv() (*OpenAIWire, error) {
	key := envOrError("OPENAI_API_KEY")
	if key.err != nil {
		return nil, model.NewConfigError(key.err.Error())
	}
	return NewOpenAIWire(key.value), nil
}

func (w *OpenAIWire) Name() string        { return w.name }
func (w *OpenAIWire) SupportsTools() bool { return true }

func (w *OpenAIWire) Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error) {
	if w.client == nil {
		return nil, model.NewConfigError(w.name + ": client not configured")
	}

	messages, err := convertToOpenAIMessages(req.Messages, req.Config.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%s: convert messages: %w", w.name, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: float32(req.Config.Temperature),
	}
	if req.Config.MaxTokens > 0 {
		chatReq.MaxTokens = req.Config.MaxTokens
	}
	if req.Config.TopP != nil {
		chatReq.TopP = float32(*req.Config.TopP)
	}
	if len(req.Config.StopSequences) > 0 {
		chatReq.Stop = req.Config.StopSequences
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	stream, err := w.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, model.NewProviderError(w.name, req.Model, err)
	}

	chunks := make(chan model.StreamChunk)
	go processOpenAIStream(ctx, w.name, stream, chunks)
	return chunks, nil
}

func processOpenAIStream(ctx context.Context, providerName string, stream *openai.ChatCompletionStream, chunks chan<- model.StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			chunks <- model.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- model.StreamChunk{Done: true, FinishReason: model.FinishStop}
				return
			}
			chunks <- model.StreamChunk{Err: model.NewProviderError(providerName, "", err)}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- model.StreamChunk{Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			d := model.ToolCallDelta{Index: index, ArgumentsDelta: tc.Function.Arguments}
			if tc.ID != "" {
				id := tc.ID
				d.ID = &id
			}
			if tc.Function.Name != "" {
				name := tc.Function.Name
				d.Name = &name
			}
			chunks <- model.StreamChunk{ToolCallDelta: &d}
		}

		if choice.FinishReason != "" {
			usage := model.TokenUsage{}
			if resp.Usage != nil {
				usage = model.TokenUsage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}
			}
			chunks <- model.StreamChunk{
				Done:         true,
				FinishReason: convertOpenAIFinishReason(choice.FinishReason),
				Usage:        usage,
			}
			return
		}
	}
}

func convertOpenAIFinishReason(reason openai.FinishReason) model.FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return model.FinishStop
	case openai.FinishReasonLength:
		return model.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.FinishToolCalls
	case openai.FinishReasonContentFilter:
		return model.FinishContentFilter
	default:
		return model.FinishOther(string(reason))
	}
}

func convertToOpenAIMessages(messages []model.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})

		case model.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})

		case model.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		case model.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	return result, nil
}

func convertToOpenAITools(tools []model.ToolDeclaration) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
