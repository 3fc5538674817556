package toolkit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fennelabs/agentloop/pkg/model"
)

type slowTool struct {
	delay time.Duration
}

func (s *slowTool) Name() string            { return "slow" }
func (s *slowTool) Description() string     { return "" }
func (s *slowTool) Schema() json.RawMessage { return nil }
func (s *slowTool) Execute(ctx context.Context, args json.RawMessage) (*model.ToolResult, error) {
	select {
	case <-time.After(s.delay):
		return &model.ToolResult{Content: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecuteConcurrentlyPreservesOrder(t *testing.T) {
	r := New()
	_ = r.Register(&stubTool{name: "a", result: &model.ToolResult{Content: "A"}})
	_ = r.Register(&stubTool{name: "b", result: &model.ToolResult{Content: "B"}})
	_ = r.Register(&stubTool{name: "c", result: &model.ToolResult{Content: "C"}})

	executor := NewExecutor(r, DefaultExecConfig())
	calls := []model.ToolCall{
		{ID: "1", Name: "a"},
		{ID: "2", Name: "b"},
		{ID: "3", Name: "c"},
	}

	results := executor.ExecuteConcurrently(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("want 3 results, got %d", len(results))
	}
	want := []string{"A", "B", "C"}
	for i, r := range results {
		if r.Result.Content != want[i] {
			t.Fatalf("index %d: want %q, got %q (order must match input)", i, want[i], r.Result.Content)
		}
	}
}

func TestExecuteConcurrentlyTimesOutSlowTool(t *testing.T) {
	r := New()
	if err := r.Register(&slowTool{delay: time.Second}); err != nil {
		t.Fatalf("register: %v", err)
	}

	executor := NewExecutor(r, ExecConfig{Concurrency: 2, PerToolTimeout: 10 * time.Millisecond, MaxAttempts: 1})
	results := executor.ExecuteConcurrently(context.Background(), []model.ToolCall{{ID: "1", Name: "slow"}})

	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}
	if !results[0].TimedOut {
		t.Fatal("want TimedOut true")
	}
	if !results[0].Result.IsError {
		t.Fatal("want an error result for a timed-out tool")
	}
}

func TestExecuteConcurrentlyRespectsContextCancellation(t *testing.T) {
	r := New()
	_ = r.Register(&slowTool{delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executor := NewExecutor(r, DefaultExecConfig())
	results := executor.ExecuteConcurrently(ctx, []model.ToolCall{{ID: "1", Name: "slow"}})

	if len(results) != 1 || !results[0].Result.IsError {
		t.Fatalf("want a single error result for an already-canceled context, got %+v", results)
	}
}

func TestExecuteSequentiallyRunsInOrder(t *testing.T) {
	r := New()
	_ = r.Register(&stubTool{name: "a", result: &model.ToolResult{Content: "A"}})
	_ = r.Register(&stubTool{name: "b", result: &model.ToolResult{Content: "B"}})

	executor := NewExecutor(r, DefaultExecConfig())
	results := executor.ExecuteSequentially(context.Background(), []model.ToolCall{
		{ID: "1", Name: "a"},
		{ID: "2", Name: "b"},
	})
	if results[0].Result.Content != "A" || results[1].Result.Content != "B" {
		t.Fatalf("want sequential order preserved, got %+v", results)
	}
}

func TestExecuteWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	r := New()
	attempts := 0
	tool := &retryingTool{onAttempt: func() (*model.ToolResult, error) {
		attempts++
		if attempts == 1 {
			return &model.ToolResult{Content: "transient failure", IsError: true}, nil
		}
		return &model.ToolResult{Content: "ok"}, nil
	}}
	_ = r.Register(tool)

	executor := NewExecutor(r, ExecConfig{Concurrency: 1, PerToolTimeout: time.Second, MaxAttempts: 3})
	results := executor.ExecuteConcurrently(context.Background(), []model.ToolCall{{ID: "1", Name: "retry"}})

	if results[0].Result.IsError {
		t.Fatalf("want success after retry, got error result: %s", results[0].Result.Content)
	}
	if attempts != 2 {
		t.Fatalf("want exactly 2 attempts, got %d", attempts)
	}
}

type retryingTool struct {
	onAttempt func() (*model.ToolResult, error)
}

func (t *retryingTool) Name() string            { return "retry" }
func (t *retryingTool) Description() string     { return "" }
func (t *retryingTool) Schema() json.RawMessage { return nil }
func (t *retryingTool) Execute(ctx context.Context, args json.RawMessage) (*model.ToolResult, error) {
	return t.onAttempt()
}
