// Package model defines the canonical value types shared by every layer of
// the runtime: conversation roles and messages, tool declarations and calls,
// streaming chunk and loop-step variants, token usage, and provider
// configuration/state. All types here are plain data — cloneable value
// types with no behaviour beyond simple accessors.
package model

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation history.
//
// Invariants (enforced by callers that construct messages, not by this
// type): ToolCallID is set iff Role == RoleTool; ToolCalls is non-empty only
// when Role == RoleAssistant; every RoleTool message's ToolCallID refers to
// a ToolCall.ID appearing in an earlier RoleAssistant message in the same
// history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	// IsError is meaningful only when Role == RoleTool: it carries the
	// originating ToolResult.IsError through to wire encoding.
	IsError bool `json:"is_error,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	return out
}

// ToolCall is a provider-assigned request to execute a tool. Arguments is
// the raw JSON the provider streamed; the tool registry unmarshals it
// against the tool's own input type.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Clone returns a deep copy of the tool call.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), c.Arguments...)
	}
	return out
}

// ToolResult is the outcome of executing a ToolCall, ready to be appended
// to history as the content of a RoleTool message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolDeclaration is what a tool registry exposes to a provider: enough to
// let the model decide when and how to call the tool. It carries no
// executable behaviour — that lives behind the registry's ToolProvider.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FinishReason is why a provider stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
)

// FinishOther wraps an unrecognized provider-specific finish reason.
func FinishOther(reason string) FinishReason {
	return FinishReason("other:" + reason)
}

// TokenUsage tracks token consumption for a single request or a running
// conversation total. All fields are non-negative.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens"`
}

// Total returns InputTokens + OutputTokens (CachedTokens is informational
// and already counted within InputTokens by provider convention).
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		CachedTokens: u.CachedTokens + other.CachedTokens,
	}
}

// CompactStrategy selects how the history manager compacts a conversation
// when asked to. See ErrCompactionNotSupported for providers that cannot
// compact at all.
type CompactStrategy string

const (
	CompactNative    CompactStrategy = "native"
	CompactSummarize CompactStrategy = "summarize"
	CompactTruncate  CompactStrategy = "truncate"
	CompactDisabled  CompactStrategy = "disabled"
)

// ProviderConfig holds the generation parameters a caller may tune per
// conversation. Zero values mean "use the provider's default" except where
// noted.
type ProviderConfig struct {
	Temperature      float64         `yaml:"temperature,omitempty"`
	MaxTokens        int             `yaml:"max_tokens"`
	TopP             *float64        `yaml:"top_p,omitempty"`
	TopK             *int            `yaml:"top_k,omitempty"`
	EnableReasoning  bool            `yaml:"enable_reasoning,omitempty"`
	SystemPrompt     string          `yaml:"system_prompt,omitempty"`
	StopSequences    []string        `yaml:"stop_sequences,omitempty"`
	MaxToolTurns     int             `yaml:"max_tool_turns,omitempty"` // 0 = unlimited
	CompactStrategy  CompactStrategy `yaml:"compact_strategy,omitempty"`
	ExtraOptions     map[string]any  `yaml:"extra_options,omitempty"`
}

// DefaultProviderConfig returns a config with the spec's documented
// defaults (temperature 0.7, max_tokens 4096, max_tool_turns = 3).
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Temperature:  0.7,
		MaxTokens:    4096,
		MaxToolTurns: 3,
	}
}

// Validate checks the config against the documented ranges, returning a
// ConfigError describing the first violation found.
func (c ProviderConfig) Validate() error {
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return NewConfigError("temperature must be in [0.0, 2.0]")
	}
	if c.MaxTokens <= 0 {
		return NewConfigError("max_tokens must be positive")
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return NewConfigError("top_p must be in (0, 1]")
	}
	if c.TopK != nil && *c.TopK <= 0 {
		return NewConfigError("top_k must be positive")
	}
	if c.MaxToolTurns < 0 {
		return NewConfigError("max_tool_turns must be non-negative")
	}
	return nil
}

// ProviderState is the driver's running counters for a single provider
// instance. It is mutated only by the driver task and is always read as a
// clone so callers never observe a torn read.
type ProviderState struct {
	InputTokens      int               `json:"input_tokens"`
	OutputTokens     int               `json:"output_tokens"`
	CachedTokens     int               `json:"cached_tokens"`
	RequestCount     int               `json:"request_count"`
	LastRequestTime  *time.Time        `json:"last_request_time,omitempty"`
	ConversationTurns int              `json:"conversation_turns"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy suitable for handing to a reader outside the
// state's reader-writer lock.
func (s ProviderState) Clone() ProviderState {
	out := s
	if s.LastRequestTime != nil {
		t := *s.LastRequestTime
		out.LastRequestTime = &t
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RecordRequest bumps the request counter and token totals after a
// completed HTTP round trip. Called only by the driver while holding its
// write lock.
func (s *ProviderState) RecordRequest(usage TokenUsage, now time.Time) {
	s.RequestCount++
	s.InputTokens += usage.InputTokens
	s.OutputTokens += usage.OutputTokens
	s.CachedTokens += usage.CachedTokens
	s.LastRequestTime = &now
}

// StreamChunk is the variant type produced by a single-shot (non tool-loop)
// provider call. Exactly one of the non-bookkeeping fields is meaningful
// per chunk; Err, when non-nil, terminates the stream.
type StreamChunk struct {
	Content       string
	Thinking      string
	ToolCallDelta *ToolCallDelta
	Done          bool
	FinishReason  FinishReason
	Usage         TokenUsage
	FullContent   string
	Err           error
}

// ToolCallDelta is a single fragment of a streaming tool call, keyed by the
// provider-assigned index. See internal/deltas for the assembler that
// reconstructs complete ToolCalls from a sequence of these.
type ToolCallDelta struct {
	Index           int
	ID              *string
	Name            *string
	ArgumentsDelta  string
}

// LoopStep is the variant type emitted by the bidirectional chat-loop
// engine (C5) on its event channel.
type LoopStep struct {
	Kind LoopStepKind

	// Thinking / Content
	Text string

	// ToolCallsRequested
	ToolCalls []ToolCall

	// ToolResultsReceived
	Count int

	// Done
	FinishReason  FinishReason
	TotalUsage    TokenUsage
	AllToolCalls  []ToolCall

	// Err carries the terminal error when Kind == LoopStepError, and on a
	// LoopStepDone whose response was cut off at max_tokens.
	Err error
}

// LoopStepKind discriminates the LoopStep variant.
type LoopStepKind int

const (
	LoopStepThinking LoopStepKind = iota
	LoopStepContent
	LoopStepToolCallsRequested
	LoopStepToolResultsReceived
	LoopStepDone
	LoopStepError
)

func (k LoopStepKind) String() string {
	switch k {
	case LoopStepThinking:
		return "Thinking"
	case LoopStepContent:
		return "Content"
	case LoopStepToolCallsRequested:
		return "ToolCallsRequested"
	case LoopStepToolResultsReceived:
		return "ToolResultsReceived"
	case LoopStepDone:
		return "Done"
	case LoopStepError:
		return "Error"
	default:
		return "Unknown"
	}
}

// CallRecord is the loop detector's bookkeeping entry for one observed
// tool call.
type CallRecord struct {
	Call      ToolCall
	Timestamp time.Time
}
