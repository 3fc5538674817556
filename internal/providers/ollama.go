package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/fennelabs/agentloop/pkg/model"
)

// OllamaWire talks to a local or remote Ollama server's /api/chat endpoint
// directly over net/http rather than through the go-openai client: Ollama's
// wire format is newline-delimited JSON objects, not SSE, so it doesn't fit
// WireClient's other OpenAI-compatible backends. Grounded on
// internal/agent/providers/ollama.go, generalized from that file's
// agent.CompletionChunk channel into model.StreamChunk and from its
// single-shot-per-call tool-call emission into WireClient's
// ToolCallDelta contract: each Ollama tool call arrives whole, so it is
// emitted as one delta carrying its full arguments rather than fragments.
type OllamaWire struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

// OllamaConfig configures the Ollama wire client.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewOllamaWire builds an Ollama wire client. An empty BaseURL defaults to
// http://localhost:11434, matching the teacher's default.
func NewOllamaWire(cfg OllamaConfig) *OllamaWire {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaWire{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
	}
}

// NewOllamaWireFromEnv reads OLLAMA_BASE_URL (optional) and
// OLLAMA_DEFAULT_MODEL (optional).
func NewOllamaWireFromEnv() *OllamaWire {
	return NewOllamaWire(OllamaConfig{
		BaseURL:      envOrError("OLLAMA_BASE_URL").value,
		DefaultModel: envOrError("OLLAMA_DEFAULT_MODEL").value,
	})
}

func (w *OllamaWire) Name() string        { return "ollama" }
func (w *OllamaWire) SupportsTools() bool { return true }

func (w *OllamaWire) Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = w.defaultModel
	}
	if modelName == "" {
		return nil, model.NewConfigError("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    modelName,
		Stream:   true,
		Messages: buildOllamaMessages(req.Messages, req.Config.SystemPrompt),
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertToOpenAITools(req.Tools)
	}
	if req.Config.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.Config.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, model.NewProviderError("ollama", modelName, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, model.NewProviderError("ollama", modelName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, model.NewProviderError("ollama", modelName, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, model.NewProviderError("ollama", modelName, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))))
	}

	chunks := make(chan model.StreamChunk)
	go streamOllamaResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func streamOllamaResponse(ctx context.Context, body io.ReadCloser, out chan<- model.StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	index := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- model.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- model.StreamChunk{Err: model.NewProviderError("ollama", "", fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.Error != "" {
			out <- model.StreamChunk{Err: model.NewProviderError("ollama", "", fmt.Errorf("%s", resp.Error))}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- model.StreamChunk{Content: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = uuid.NewString()
				}
				name := strings.TrimSpace(tc.Function.Name)
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				d := model.ToolCallDelta{Index: index, ID: &id, Name: &name, ArgumentsDelta: string(args)}
				index++
				out <- model.StreamChunk{ToolCallDelta: &d}
			}
		}
		if resp.Done {
			finish := model.FinishStop
			if resp.Message != nil && len(resp.Message.ToolCalls) > 0 {
				finish = model.FinishToolCalls
			}
			out <- model.StreamChunk{
				Done:         true,
				FinishReason: finish,
				Usage: model.TokenUsage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				},
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- model.StreamChunk{Err: model.NewProviderError("ollama", "", err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(messages []model.Message, system string) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(messages)+1)
	toolNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if system = strings.TrimSpace(system); system != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			m := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]ollamaToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					m.ToolCalls[i] = ollamaToolCall{
						ID:       tc.ID,
						Type:     "function",
						Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
					}
				}
			}
			out = append(out, m)
		case model.RoleTool:
			out = append(out, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			role := "user"
			if msg.Role == model.RoleSystem {
				role = "system"
			}
			out = append(out, ollamaChatMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}
