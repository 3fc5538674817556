package toolkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fennelabs/agentloop/pkg/model"
)

// ExecConfig tunes the bounded-concurrency executor. Grounded on
// internal/agent/tool_exec.go's ToolExecConfig/DefaultToolExecConfig —
// C4's "tool-execution timeouts are the tool's responsibility" (spec §5)
// leaves room for the registry to still bound total wall time per call,
// which the teacher already does and this keeps.
type ExecConfig struct {
	// Concurrency is the maximum number of tool calls executed at once.
	Concurrency int
	// PerToolTimeout bounds a single attempt's wall time.
	PerToolTimeout time.Duration
	// MaxAttempts is the number of attempts per call before giving up.
	MaxAttempts int
	// RetryBackoff waits between attempts.
	RetryBackoff time.Duration
}

// DefaultExecConfig mirrors the teacher's defaults.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
		RetryBackoff:   0,
	}
}

func (c ExecConfig) withDefaults() ExecConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PerToolTimeout <= 0 {
		c.PerToolTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	return c
}

// Executor runs tool calls against a Registry with bounded concurrency,
// per-attempt timeouts, and optional retry.
type Executor struct {
	registry *Registry
	config   ExecConfig
}

// NewExecutor builds an Executor over registry.
func NewExecutor(registry *Registry, config ExecConfig) *Executor {
	return &Executor{registry: registry, config: config.withDefaults()}
}

// ExecResult pairs a ToolCall with its outcome and timing.
type ExecResult struct {
	Index     int
	Call      model.ToolCall
	Result    model.ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ExecuteConcurrently runs calls with up to Concurrency in flight at once.
// Results are returned in the same order as calls, matching C6's
// requirement that parallel tool execution never reorders events observed
// by the model (§5 "parallel tool execution does not reorder events").
func (e *Executor) ExecuteConcurrently(ctx context.Context, calls []model.ToolCall) []ExecResult {
	results := make([]ExecResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c model.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ExecResult{
					Index: idx,
					Call:  c,
					Result: model.ToolResult{
						ToolCallID: c.ID,
						Content:    "context canceled",
						IsError:    true,
					},
				}
				return
			}
			results[idx] = e.executeWithRetry(ctx, idx, c)
		}(i, call)
	}

	wg.Wait()
	return results
}

// ExecuteSequentially runs calls one at a time, in order.
func (e *Executor) ExecuteSequentially(ctx context.Context, calls []model.ToolCall) []ExecResult {
	results := make([]ExecResult, len(calls))
	for i, call := range calls {
		results[i] = e.executeWithRetry(ctx, i, call)
	}
	return results
}

func (e *Executor) executeWithRetry(ctx context.Context, idx int, call model.ToolCall) ExecResult {
	start := time.Now()
	var result model.ToolResult
	var timedOut bool

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		result, timedOut = e.executeOnce(toolCtx, call)
		cancel()

		if !result.IsError {
			break
		}
		if attempt == e.config.MaxAttempts {
			break
		}
		if e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				result = model.ToolResult{ToolCallID: call.ID, Content: "tool execution canceled", IsError: true}
				goto done
			}
		}
	}

done:
	return ExecResult{
		Index:     idx,
		Call:      call,
		Result:    result,
		StartTime: start,
		EndTime:   time.Now(),
		TimedOut:  timedOut,
	}
}

// executeOnce runs a single attempt, distinguishing a timeout from a plain
// cancellation and logging a discarded late result — grounded on
// tool_exec.go's executeWithTimeout.
func (e *Executor) executeOnce(ctx context.Context, call model.ToolCall) (model.ToolResult, bool) {
	type outcome struct {
		result *model.ToolResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		result, err := e.registry.Execute(ctx, call)
		if ctx.Err() != nil {
			slog.Warn("tool execution completed after timeout, result discarded",
				"tool", call.Name, "tool_call_id", call.ID)
			return
		}
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		content := "tool execution canceled"
		if timedOut {
			content = fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout)
		}
		return model.ToolResult{ToolCallID: call.ID, Content: content, IsError: true}, timedOut
	case out := <-resultCh:
		if out.err != nil {
			return model.ToolResult{ToolCallID: call.ID, Content: out.err.Error(), IsError: true}, false
		}
		return *out.result, false
	}
}
