// Package chatloop implements the chat-loop orchestrator (C6): the
// synchronous-looking driver loop a caller actually calls, built on top of
// the bidirectional engine in internal/providers. It owns the
// per-round bookkeeping (round counting, max_rounds, callbacks), dispatches
// tool execution through internal/toolkit, and consults internal/loopdetect
// before every tool call actually runs. There is no teacher analogue for
// this orchestration shape (the teacher ran tool execution synchronously
// between two top-level Complete calls rather than driving a suspended
// request), so the control flow here is original, built directly from
// spec-level state-machine requirements rather than adapted teacher code;
// its callback-table shape (On*/config struct) follows the same "config +
// functional callbacks" idiom the teacher uses for ToolExecConfig.
package chatloop

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fennelabs/agentloop/internal/loopdetect"
	"github.com/fennelabs/agentloop/internal/providers"
	"github.com/fennelabs/agentloop/internal/toolkit"
	"github.com/fennelabs/agentloop/pkg/model"
)

// ToolExecutorFunc is an ad-hoc tool implementation supplied directly in
// Config.ToolExecutors rather than registered on the shared Registry —
// useful for one-off tools scoped to a single chat loop invocation.
type ToolExecutorFunc func(ctx context.Context, arguments json.RawMessage) (*model.ToolResult, error)

// Config tunes one Run call.
type Config struct {
	// Registry is the shared tool registry. Required if any tool call is
	// expected; a loop that requests a tool with no matching registry entry
	// and no ToolExecutors entry fails that call with a "tool not found"
	// result (toolkit.Registry.Execute's existing contract).
	Registry *toolkit.Registry

	// ToolExecutors supplies fallback implementations for tools that are
	// not registered on Registry, keyed by tool name. They are registered
	// onto Registry for the lifetime of this Run call.
	ToolExecutors map[string]ToolExecutorFunc

	// MaxRounds bounds the number of tool-calling round trips. <= 0 uses
	// the default of 10.
	MaxRounds int

	// LoopDetection configures the repetition detector. The zero value
	// uses loopdetect.DefaultConfig.
	LoopDetection loopdetect.Config

	OnThinking    func(text string)
	OnContent     func(text string)
	OnToolCalls   func(calls []model.ToolCall)
	OnToolResults func(results []model.ToolResult)

	// OnLoopDetected is consulted, per spec §4.6 step 3d, in place of the
	// detector's own verdict: when set, its return value is the action
	// actually taken (e.g. a caller can force ActionContinue past a
	// detected Terminate); when nil, det.Action is used unchanged.
	OnLoopDetected func(det *loopdetect.Detection) loopdetect.Action
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 10
	}
	return c
}

// Response is what Run returns once the loop reaches a terminal state.
type Response struct {
	Content      string
	Usage        model.TokenUsage
	AllToolCalls []model.ToolCall
	Rounds       int
}

// funcToolProvider adapts a ToolExecutorFunc to toolkit.ToolProvider with a
// permissive (type: object) schema, since ad-hoc tools supplied inline
// rarely carry a full JSON Schema declaration.
type funcToolProvider struct {
	name string
	fn   ToolExecutorFunc
}

func (f *funcToolProvider) Name() string        { return f.name }
func (f *funcToolProvider) Description() string { return "" }
func (f *funcToolProvider) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (f *funcToolProvider) Execute(ctx context.Context, arguments json.RawMessage) (*model.ToolResult, error) {
	return f.fn(ctx, arguments)
}

// Run drives driver through a full multi-round tool-calling exchange and
// returns once it reaches Done or a terminal error. Each LoopStep emitted
// by the driver is handled per §4.6: ToolCallsRequested bumps the round
// counter and, if under MaxRounds, checks every requested call against the
// loop detector before executing it, prepending any Warn message to that
// call's eventual result and aborting the whole loop on Terminate.
func Run(ctx context.Context, driver *providers.Driver, initial []model.Message, tools []model.ToolDeclaration, cfg Config) (*Response, error) {
	cfg = cfg.withDefaults()

	registry := cfg.Registry
	if registry == nil {
		registry = toolkit.New()
	}
	for name, fn := range cfg.ToolExecutors {
		// duplicate registration on a shared registry is not an error here
		if err := registry.Register(&funcToolProvider{name: name, fn: fn}); err == nil {
			defer registry.Unregister(name)
		}
	}
	executor := toolkit.NewExecutor(registry, toolkit.DefaultExecConfig())
	detector := loopdetect.New(cfg.LoopDetection)

	handle := driver.StartChatLoop(ctx, initial, tools)
	defer handle.Cancel()

	var rounds int
	var allToolCalls []model.ToolCall

	for {
		step, ok := handle.NextEvent(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, model.ErrChatLoopClosed
		}

		switch step.Kind {
		case model.LoopStepThinking:
			if cfg.OnThinking != nil {
				cfg.OnThinking(step.Text)
			}

		case model.LoopStepContent:
			if cfg.OnContent != nil {
				cfg.OnContent(step.Text)
			}

		case model.LoopStepToolCallsRequested:
			rounds++
			if rounds > cfg.MaxRounds {
				handle.Cancel()
				return nil, model.ErrMaxRoundsExceeded
			}
			if cfg.OnToolCalls != nil {
				cfg.OnToolCalls(step.ToolCalls)
			}

			warnings, term := checkCalls(detector, step.ToolCalls, cfg.OnLoopDetected)
			if term != nil {
				detector.Clear()
				handle.Cancel()
				return nil, term
			}

			execResults := executor.ExecuteConcurrently(ctx, step.ToolCalls)
			results := make([]model.ToolResult, len(execResults))
			for i, er := range execResults {
				res := er.Result
				if warning, ok := warnings[i]; ok {
					res.Content = warning + "\n" + res.Content
				}
				results[i] = res
			}

			allToolCalls = append(allToolCalls, step.ToolCalls...)
			if cfg.OnToolResults != nil {
				cfg.OnToolResults(results)
			}

			if err := handle.SubmitToolResults(ctx, results); err != nil {
				return nil, err
			}

		case model.LoopStepToolResultsReceived:
			// Internal-only bookkeeping event; the orchestrator has already
			// submitted the results that produced it.

		case model.LoopStepDone:
			resp := &Response{
				Content:      step.Text,
				Usage:        step.TotalUsage,
				AllToolCalls: nonEmpty(step.AllToolCalls, allToolCalls),
				Rounds:       rounds,
			}
			return resp, step.Err

		case model.LoopStepError:
			return nil, step.Err
		}
	}
}

// checkCalls runs every call in a ToolCallsRequested batch through the loop
// detector. When onDetected is set it delegates the decision to the
// caller, using its returned Action in place of det.Action — a caller can
// override the detector's verdict entirely, including forcing
// ActionContinue past a detected Terminate. It returns a per-index warning
// message to prepend to that call's result, plus a non-nil error the
// moment any call's decided action is Terminate (the remaining calls in
// the batch are not checked).
func checkCalls(detector *loopdetect.Detector, calls []model.ToolCall, onDetected func(*loopdetect.Detection) loopdetect.Action) (map[int]string, error) {
	warnings := make(map[int]string)
	now := time.Now()

	for i, call := range calls {
		det := detector.Check(call, now)
		if det == nil {
			continue
		}
		decision := det.Action
		if onDetected != nil {
			decision = onDetected(det)
		}
		switch decision {
		case loopdetect.ActionWarn:
			warnings[i] = det.WarningMessage
		case loopdetect.ActionTerminate:
			return warnings, model.NewLoopDetectedError(string(det.Kind), det.Suggestion)
		}
	}

	return warnings, nil
}

func nonEmpty(a, b []model.ToolCall) []model.ToolCall {
	if len(a) > 0 {
		return a
	}
	return b
}
