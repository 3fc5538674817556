package providers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fennelabs/agentloop/pkg/model"
)

// scriptedWire plays back a fixed sequence of chunk batches, one batch per
// call to Stream, so driver tests don't need a real HTTP backend.
type scriptedWire struct {
	rounds [][]model.StreamChunk
	idx    int
}

func (w *scriptedWire) Name() string        { return "fake" }
func (w *scriptedWire) SupportsTools() bool { return true }

func (w *scriptedWire) Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error) {
	if w.idx >= len(w.rounds) {
		return nil, model.NewProtocolError("scriptedWire: out of scripted rounds")
	}
	batch := w.rounds[w.idx]
	w.idx++

	ch := make(chan model.StreamChunk, len(batch))
	for _, c := range batch {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func strPtr(s string) *string { return &s }

func TestDriverSingleRoundDone(t *testing.T) {
	wire := &scriptedWire{rounds: [][]model.StreamChunk{
		{
			{Content: "Hel"},
			{Content: "lo"},
			{Done: true, FinishReason: model.FinishStop, Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 2}},
		},
	}}
	d := New(wire, "fake-model", model.DefaultProviderConfig())
	h := d.StartChatLoop(context.Background(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var gotContent string
	var done bool
	for !done {
		step, ok := h.NextEvent(ctx)
		if !ok {
			t.Fatal("event stream ended before Done")
		}
		switch step.Kind {
		case model.LoopStepContent:
			gotContent += step.Text
		case model.LoopStepDone:
			done = true
			if step.FinishReason != model.FinishStop {
				t.Fatalf("want FinishStop, got %v", step.FinishReason)
			}
			if step.TotalUsage.Total() != 12 {
				t.Fatalf("want total usage 12, got %d", step.TotalUsage.Total())
			}
		case model.LoopStepError:
			t.Fatalf("unexpected error step: %v", step.Err)
		}
	}
	if gotContent != "Hello" {
		t.Fatalf("want accumulated content 'Hello', got %q", gotContent)
	}
}

func TestDriverToolCallRoundTrip(t *testing.T) {
	wire := &scriptedWire{rounds: [][]model.StreamChunk{
		{
			{ToolCallDelta: &model.ToolCallDelta{Index: 0, ID: strPtr("call_1"), Name: strPtr("search")}},
			{ToolCallDelta: &model.ToolCallDelta{Index: 0, ArgumentsDelta: `{"q":"go"}`}},
			{Done: true, FinishReason: model.FinishToolCalls, Usage: model.TokenUsage{InputTokens: 5, OutputTokens: 1}},
		},
		{
			{Content: "done"},
			{Done: true, FinishReason: model.FinishStop, Usage: model.TokenUsage{InputTokens: 3, OutputTokens: 1}},
		},
	}}
	d := New(wire, "fake-model", model.DefaultProviderConfig())
	h := d.StartChatLoop(context.Background(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var sawToolCalls []model.ToolCall
	for {
		step, ok := h.NextEvent(ctx)
		if !ok {
			t.Fatal("event stream ended before Done")
		}
		switch step.Kind {
		case model.LoopStepToolCallsRequested:
			sawToolCalls = step.ToolCalls
			if len(sawToolCalls) != 1 || sawToolCalls[0].Name != "search" {
				t.Fatalf("want 1 search call, got %+v", sawToolCalls)
			}
			var args map[string]string
			if err := json.Unmarshal(sawToolCalls[0].Arguments, &args); err != nil {
				t.Fatalf("want valid JSON arguments, got error: %v", err)
			}
			if err := h.SubmitToolResults(ctx, []model.ToolResult{
				{ToolCallID: "call_1", Content: "result"},
			}); err != nil {
				t.Fatalf("SubmitToolResults: %v", err)
			}

		case model.LoopStepToolResultsReceived:
			if step.Count != 1 {
				t.Fatalf("want 1 result received, got %d", step.Count)
			}

		case model.LoopStepDone:
			if step.FinishReason != model.FinishStop {
				t.Fatalf("want final FinishStop, got %v", step.FinishReason)
			}
			if step.TotalUsage.Total() != 10 {
				t.Fatalf("want cumulative usage across both rounds (10), got %d", step.TotalUsage.Total())
			}
			if len(step.AllToolCalls) != 1 {
				t.Fatalf("want 1 cumulative tool call, got %d", len(step.AllToolCalls))
			}
			return

		case model.LoopStepError:
			t.Fatalf("unexpected error step: %v", step.Err)
		}
	}
}

func TestDriverPropagatesWireError(t *testing.T) {
	wire := &scriptedWire{rounds: [][]model.StreamChunk{
		{{Err: model.NewProviderError("fake", "m", context.DeadlineExceeded)}},
	}}
	d := New(wire, "fake-model", model.DefaultProviderConfig())
	h := d.StartChatLoop(context.Background(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	step, ok := h.NextEvent(ctx)
	if !ok {
		t.Fatal("want an error step, got closed channel")
	}
	if step.Kind != model.LoopStepError {
		t.Fatalf("want LoopStepError, got %v", step.Kind)
	}
	if step.Err == nil {
		t.Fatal("want a non-nil error")
	}
}
