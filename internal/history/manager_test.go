package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fennelabs/agentloop/pkg/model"
)

func assistantWithCalls(ids ...string) model.Message {
	calls := make([]model.ToolCall, len(ids))
	for i, id := range ids {
		calls[i] = model.ToolCall{ID: id, Name: "tool", Arguments: json.RawMessage(`{}`)}
	}
	return model.Message{Role: model.RoleAssistant, ToolCalls: calls}
}

func toolMsg(id string) model.Message {
	return model.Message{Role: model.RoleTool, ToolCallID: id, Content: "ok"}
}

func userMsg(text string) model.Message {
	return model.Message{Role: model.RoleUser, Content: text}
}

func TestPruneToolTurnsKeepsMostRecent(t *testing.T) {
	msgs := []model.Message{
		userMsg("1"),
		assistantWithCalls("a1"), toolMsg("a1"),
		assistantWithCalls("a2"), toolMsg("a2"),
		assistantWithCalls("a3"), toolMsg("a3"),
	}
	m := New(msgs)
	m.PruneToolTurns(1)

	got := m.Snapshot()
	var toolTurnsSeen int
	for _, msg := range got {
		if msg.Role == model.RoleAssistant && len(msg.ToolCalls) > 0 {
			toolTurnsSeen++
			if msg.ToolCalls[0].ID != "a3" {
				t.Fatalf("want only the most recent tool turn (a3) kept, found %s", msg.ToolCalls[0].ID)
			}
		}
	}
	if toolTurnsSeen != 1 {
		t.Fatalf("want 1 tool turn retained, got %d", toolTurnsSeen)
	}

	var userSeen bool
	for _, msg := range got {
		if msg.Role == model.RoleUser && msg.Content == "1" {
			userSeen = true
		}
	}
	if !userSeen {
		t.Fatal("want the user message preserved across pruning")
	}
}

func TestPruneToolTurnsNoopWhenUnderLimit(t *testing.T) {
	msgs := []model.Message{assistantWithCalls("a1"), toolMsg("a1")}
	m := New(msgs)
	m.PruneToolTurns(5)
	if m.Len() != 2 {
		t.Fatalf("want no pruning under the limit, got len %d", m.Len())
	}
}

func TestRepairDropsOrphanToolMessage(t *testing.T) {
	msgs := []model.Message{
		assistantWithCalls("a1"),
		toolMsg("a1"),
		toolMsg("stale-id"),
	}
	out := Repair(msgs)
	for _, msg := range out {
		if msg.Role == model.RoleTool && msg.ToolCallID == "stale-id" {
			t.Fatal("want orphan tool message dropped")
		}
	}
	if len(out) != 2 {
		t.Fatalf("want 2 messages after repair, got %d", len(out))
	}
}

func TestRepairAssignsMissingToolCallID(t *testing.T) {
	msgs := []model.Message{
		assistantWithCalls("a1"),
		{Role: model.RoleTool, Content: "ok"},
	}
	out := Repair(msgs)
	if len(out) != 2 {
		t.Fatalf("want 2 messages, got %d", len(out))
	}
	if out[1].ToolCallID != "a1" {
		t.Fatalf("want the tool message assigned the outstanding call id a1, got %q", out[1].ToolCallID)
	}
}

func TestCompactDisabledReturnsNotSupported(t *testing.T) {
	m := New([]model.Message{userMsg("hi")})
	err := m.Compact(context.Background(), model.CompactDisabled, nil, nil)
	if !errors.Is(err, model.ErrCompactionNotSupported) {
		t.Fatalf("want ErrCompactionNotSupported, got %v", err)
	}
}

func TestCompactNativeWithoutCompactorReturnsNotSupported(t *testing.T) {
	m := New([]model.Message{userMsg("hi")})
	err := m.Compact(context.Background(), model.CompactNative, nil, nil)
	if !errors.Is(err, model.ErrCompactionNotSupported) {
		t.Fatalf("want ErrCompactionNotSupported, got %v", err)
	}
}

type fakeCompactor struct {
	called bool
}

func (f *fakeCompactor) Compact(ctx context.Context, history []model.Message) ([]model.Message, error) {
	f.called = true
	return []model.Message{{Role: model.RoleSystem, Content: "compacted"}}, nil
}

func TestCompactNativeDelegatesToCompactor(t *testing.T) {
	m := New([]model.Message{userMsg("hi")})
	c := &fakeCompactor{}
	if err := m.Compact(context.Background(), model.CompactNative, c, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.called {
		t.Fatal("want the compactor invoked")
	}
	got := m.Snapshot()
	if len(got) != 1 || got[0].Content != "compacted" {
		t.Fatalf("want history replaced by compactor output, got %+v", got)
	}
}

func TestCompactTruncatePreservesUserMessages(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, userMsg("u"), model.Message{Role: model.RoleAssistant, Content: "a"})
	}
	m := New(msgs)
	if err := m.Compact(context.Background(), model.CompactTruncate, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := m.Snapshot()
	var userCount int
	for _, msg := range got {
		if msg.Role == model.RoleUser {
			userCount++
		}
	}
	if userCount != 20 {
		t.Fatalf("want all 20 user messages preserved, got %d", userCount)
	}
	if len(got) >= len(msgs) {
		t.Fatalf("want history shrunk by truncation, got %d (started with %d)", len(got), len(msgs))
	}
}

type recordingSummarizer struct {
	calls []string
}

func (s *recordingSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.calls = append(s.calls, text)
	return fmt.Sprintf("summary-%d", len(s.calls)), nil
}

func TestCompactSummarizeReplacesOldContentWithSummary(t *testing.T) {
	msgs := []model.Message{
		userMsg("hello"),
		{Role: model.RoleAssistant, Content: "old reply 1"},
		{Role: model.RoleAssistant, Content: "old reply 2"},
		{Role: model.RoleAssistant, Content: "recent 1"},
		{Role: model.RoleAssistant, Content: "recent 2"},
		{Role: model.RoleAssistant, Content: "recent 3"},
		{Role: model.RoleAssistant, Content: "recent 4"},
	}
	m := New(msgs)
	s := &recordingSummarizer{}
	if err := m.Compact(context.Background(), model.CompactSummarize, nil, s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.calls) == 0 {
		t.Fatal("want the summarizer invoked")
	}

	got := m.Snapshot()
	var sawSummary, sawUser bool
	for _, msg := range got {
		if msg.Role == model.RoleSystem {
			sawSummary = true
		}
		if msg.Role == model.RoleUser {
			sawUser = true
		}
	}
	if !sawSummary {
		t.Fatal("want a [compacted summary] system message inserted")
	}
	if !sawUser {
		t.Fatal("want the user message preserved")
	}
}

func TestSummarizeInChunksSplitsLargeHistoryAndMerges(t *testing.T) {
	var big []model.Message
	for i := 0; i < 50; i++ {
		big = append(big, model.Message{Role: model.RoleAssistant, Content: strings.Repeat("x", 2000)})
	}
	s := &recordingSummarizer{}
	summary, err := summarizeInChunks(context.Background(), big, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == "" {
		t.Fatal("want a non-empty merged summary")
	}
	if len(s.calls) < 2 {
		t.Fatalf("want more than one chunk summarized plus a merge call, got %d calls", len(s.calls))
	}
}

func TestSnapshotIsADeepCopy(t *testing.T) {
	m := New([]model.Message{assistantWithCalls("a1")})
	snap := m.Snapshot()
	snap[0].ToolCalls[0].ID = "mutated"

	again := m.Snapshot()
	if again[0].ToolCalls[0].ID != "a1" {
		t.Fatal("want mutating a snapshot not to affect the manager's internal state")
	}
}
