package providers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/fennelabs/agentloop/pkg/model"
)

// GeminiWire adapts google.golang.org/genai's streaming iterator to
// WireClient. Grounded on internal/agent/providers/google.go's
// GoogleProvider.convertMessages/convertTools/buildConfig and its
// processStreamResponse — generalized from the teacher's Go 1.23
// iter.Seq2-based for-range loop over GenerateContentStream. Unlike OpenAI
// and Anthropic, Gemini delivers a function call whole rather than as
// incremental argument deltas, so each call is emitted as two
// ToolCallDeltas at the same index: one carrying its ID and name, then one
// carrying its complete arguments; google/uuid backs the synthetic call ID
// Gemini itself does not provide.
type GeminiWire struct {
	client *genai.Client
}

// NewGeminiWire builds a wire client from an already-constructed genai
// client (the SDK's own constructor requires a context and talks to the
// network, so callers build it once at startup).
func NewGeminiWire(client *genai.Client) *GeminiWire {
	return &GeminiWire{client: client}
}

func (w *GeminiWire) Name() string        { return "gemini" }
func (w *GeminiWire) SupportsTools() bool { return true }

func (w *GeminiWire) Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error) {
	contents, err := convertToGeminiContents(req.Messages)
	if err != nil {
		return nil, model.NewProtocolError("gemini: convert messages: " + err.Error())
	}

	config := buildGeminiConfig(req)

	iterSeq := w.client.Models.GenerateContentStream(ctx, req.Model, contents, config)

	chunks := make(chan model.StreamChunk)
	go processGeminiStream(ctx, iterSeq, chunks)
	return chunks, nil
}

func processGeminiStream(ctx context.Context, streamIter func(func(*genai.GenerateContentResponse, error) bool), chunks chan<- model.StreamChunk) {
	defer close(chunks)

	var inputTokens, outputTokens int
	sawToolCall := false
	var streamErr error

	streamIter(func(resp *genai.GenerateContentResponse, err error) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		toolIndex := 0
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- model.StreamChunk{Content: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, marshalErr := json.Marshal(part.FunctionCall.Args)
					if marshalErr != nil {
						argsJSON = []byte(`{}`)
					}
					sawToolCall = true
					id := uuid.NewString()
					name := part.FunctionCall.Name
					idx := toolIndex
					toolIndex++
					chunks <- model.StreamChunk{ToolCallDelta: &model.ToolCallDelta{
						Index: idx,
						ID:    &id,
						Name:  &name,
					}}
					chunks <- model.StreamChunk{ToolCallDelta: &model.ToolCallDelta{
						Index:          idx,
						ArgumentsDelta: string(argsJSON),
					}}
				}
			}
		}
		return true
	})

	if streamErr != nil {
		chunks <- model.StreamChunk{Err: model.NewProviderError("gemini", "", streamErr)}
		return
	}

	finish := model.FinishStop
	if sawToolCall {
		finish = model.FinishToolCalls
	}
	chunks <- model.StreamChunk{
		Done:         true,
		FinishReason: finish,
		Usage:        model.TokenUsage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}
}

func convertToGeminiContents(messages []model.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case model.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			parseArgs := tc.Arguments
			if len(parseArgs) == 0 {
				parseArgs = json.RawMessage(`{}`)
			}
			if err := json.Unmarshal(parseArgs, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if msg.Role == model.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: msg.ToolCallID, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func buildGeminiConfig(req WireRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.Config.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Config.SystemPrompt}}}
	}
	if req.Config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.Config.MaxTokens)
	}
	if req.Config.Temperature > 0 {
		temp := float32(req.Config.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = convertToGeminiTools(req.Tools)
	}
	return config
}

func convertToGeminiTools(tools []model.ToolDeclaration) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema genai.Schema
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = genai.Schema{Type: genai.TypeObject}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  &schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
