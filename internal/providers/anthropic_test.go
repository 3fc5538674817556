package providers

import (
	"encoding/json"
	"testing"

	"github.com/fennelabs/agentloop/pkg/model"
)

func TestConvertToAnthropicMessagesSkipsSystemRole(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "hi"},
	}
	out, err := convertToAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want system role dropped (Anthropic carries it as a top-level param), got %d messages", len(out))
	}
}

func TestConvertToAnthropicMessagesCarriesToolUseAndResult(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Content: "what's the weather?"},
		{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{ID: "call_1", Name: "weather", Arguments: json.RawMessage(`{"city":"nyc"}`)},
			},
		},
		{Role: model.RoleTool, ToolCallID: "call_1", Content: "72F and sunny", IsError: false},
	}

	out, err := convertToAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("want 3 messages, got %d", len(out))
	}
}

func TestConvertToAnthropicMessagesPropagatesIsError(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleTool, ToolCallID: "call_1", Content: "boom", IsError: true},
	}
	out, err := convertToAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want 1 message, got %d", len(out))
	}
	var sawIsError bool
	for _, block := range out[0].Content {
		if block.OfToolResult != nil && block.OfToolResult.IsError.Value {
			sawIsError = true
		}
	}
	if !sawIsError {
		t.Fatalf("want the tool-result block to carry IsError, got %+v", out[0].Content)
	}
}

func TestConvertToAnthropicMessagesRejectsMalformedToolArguments(t *testing.T) {
	msgs := []model.Message{
		{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{ID: "call_1", Name: "broken", Arguments: json.RawMessage(`not json`)},
			},
		},
	}
	if _, err := convertToAnthropicMessages(msgs); err == nil {
		t.Fatal("want an error for malformed tool-call arguments")
	}
}

func TestConvertToAnthropicToolsCarriesNameAndDescription(t *testing.T) {
	tools := []model.ToolDeclaration{
		{Name: "search", Description: "searches", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
	out, err := convertToAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil || out[0].OfTool.Name != "search" {
		t.Fatalf("want 1 tool named search, got %+v", out)
	}
}
