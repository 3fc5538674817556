package providers

import (
	"encoding/json"
	"testing"

	"github.com/fennelabs/agentloop/pkg/model"
)

func TestConvertToGeminiContentsSkipsSystemRole(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "hi"},
	}
	out, err := convertToGeminiContents(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("want system role dropped (Gemini carries it via SystemInstruction), got %d contents", len(out))
	}
}

func TestConvertToGeminiContentsMapsAssistantToModelRole(t *testing.T) {
	msgs := []model.Message{{Role: model.RoleAssistant, Content: "hello"}}
	out, err := convertToGeminiContents(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 || out[0].Role != "model" {
		t.Fatalf("want assistant mapped to the model role, got %+v", out)
	}
}

func TestConvertToGeminiContentsCarriesFunctionCallAndResponse(t *testing.T) {
	msgs := []model.Message{
		{
			Role: model.RoleAssistant,
			ToolCalls: []model.ToolCall{
				{ID: "call_1", Name: "weather", Arguments: json.RawMessage(`{"city":"nyc"}`)},
			},
		},
		{Role: model.RoleTool, ToolCallID: "weather", Content: `{"temp":72}`},
	}
	out, err := convertToGeminiContents(msgs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("want 2 contents, got %d", len(out))
	}
	if out[0].Parts[0].FunctionCall == nil || out[0].Parts[0].FunctionCall.Name != "weather" {
		t.Fatalf("want a function call part, got %+v", out[0].Parts)
	}
	if out[1].Parts[0].FunctionResponse == nil {
		t.Fatalf("want a function response part, got %+v", out[1].Parts)
	}
}

func TestBuildGeminiConfigAppliesGenerationParams(t *testing.T) {
	req := WireRequest{
		Config: model.ProviderConfig{SystemPrompt: "be terse", MaxTokens: 100, Temperature: 0.5},
		Tools:  []model.ToolDeclaration{{Name: "search", Description: "d", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}
	cfg := buildGeminiConfig(req)
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("want system instruction set, got %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 100 {
		t.Fatalf("want MaxOutputTokens 100, got %d", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Fatalf("want temperature 0.5, got %v", cfg.Temperature)
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("want 1 tool with 1 function declaration, got %+v", cfg.Tools)
	}
}

func TestConvertToGeminiToolsFallsBackOnBadSchema(t *testing.T) {
	tools := []model.ToolDeclaration{{Name: "broken", Parameters: json.RawMessage(`not json`)}}
	out := convertToGeminiTools(tools)
	if len(out) != 1 || len(out[0].FunctionDeclarations) != 1 {
		t.Fatalf("want 1 tool despite bad schema, got %+v", out)
	}
	if out[0].FunctionDeclarations[0].Name != "broken" {
		t.Fatalf("want name preserved, got %q", out[0].FunctionDeclarations[0].Name)
	}
}
