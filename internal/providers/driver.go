// Package providers implements the bidirectional provider driver (C5): a
// background task that owns one streaming HTTP round trip at a time, feeds
// incoming deltas through internal/deltas to reconstruct tool calls, and
// exposes the whole multi-round exchange as a pair of channels — events
// flowing out, tool results flowing in. The single-direction streaming
// idiom (a provider's Complete spins up a goroutine over an unbuffered
// channel of chunks) is grounded on internal/agent/providers/openai.go's
// processStream; there is no teacher analogue for the second,
// tool-result-submission direction, since the teacher's agent loop ran
// tool execution synchronously between two separate Complete calls rather
// than suspending a single request/response pump. Driver generalizes that
// synchronous gap into an explicit AwaitingToolResults state so the
// orchestrator (C6) can execute tools — potentially slowly, potentially
// concurrently — without the driver polling or busy-waiting.
package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fennelabs/agentloop/internal/deltas"
	"github.com/fennelabs/agentloop/internal/history"
	"github.com/fennelabs/agentloop/pkg/model"
)

// WireRequest is what a Driver hands to a WireClient for one HTTP round
// trip: the full message history plus the generation parameters in force
// for this turn.
type WireRequest struct {
	Model    string
	Messages []model.Message
	Tools    []model.ToolDeclaration
	Config   model.ProviderConfig
}

// WireClient performs the actual wire-level streaming call for one
// provider. Implementations translate WireRequest into the provider's SDK
// request type and adapt its stream into model.StreamChunk values;
// everything else (history, tool-call assembly, loop state, channel
// plumbing) is handled generically by Driver.
type WireClient interface {
	// Name identifies the provider ("openai", "anthropic", "gemini").
	Name() string
	// SupportsTools reports whether this provider/model combination accepts
	// tool declarations at all.
	SupportsTools() bool
	// Stream starts one streaming completion and returns a channel of
	// chunks. The channel is closed when the stream ends (normally via a
	// StreamChunk{Done: true} or abnormally via a StreamChunk{Err: ...}).
	Stream(ctx context.Context, req WireRequest) (<-chan model.StreamChunk, error)
}

// Driver is the provider instance a caller holds: it owns ProviderConfig
// and ProviderState behind a reader-writer lock (§5) and can start any
// number of chat loops over its WireClient, each with its own independent
// history.Manager.
type Driver struct {
	wire      WireClient
	modelName string

	mu    sync.RWMutex
	cfg   model.ProviderConfig
	state model.ProviderState
}

// New constructs a Driver over wire for modelName, seeded with cfg.
func New(wire WireClient, modelName string, cfg model.ProviderConfig) *Driver {
	return &Driver{wire: wire, modelName: modelName, cfg: cfg}
}

// Name returns the underlying wire client's provider name.
func (d *Driver) Name() string { return d.wire.Name() }

// SupportsTools reports whether the underlying wire client accepts tools.
func (d *Driver) SupportsTools() bool { return d.wire.SupportsTools() }

// Config returns a copy of the current generation config.
func (d *Driver) Config() model.ProviderConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// UpdateConfig applies fn to the config under the write lock.
func (d *Driver) UpdateConfig(fn func(*model.ProviderConfig)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.cfg)
}

// State returns a deep copy of the running counters.
func (d *Driver) State() model.ProviderState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Clone()
}

func (d *Driver) recordRequest(usage model.TokenUsage, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.RecordRequest(usage, now)
}

func (d *Driver) bumpTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.ConversationTurns++
}

// ChatLoopHandle is the bidirectional connection an orchestrator drives: it
// reads LoopSteps off NextEvent and, whenever a ToolCallsRequested step
// arrives, eventually calls SubmitToolResults to unblock the driver's next
// round. The four-state machine (AwaitingResponse → Streaming →
// AwaitingToolResults → Terminal) lives entirely in Driver.run; the handle
// is just the channel pair plus lifecycle bookkeeping.
type ChatLoopHandle struct {
	events      chan model.LoopStep
	submissions chan []model.ToolResult
	cancel      context.CancelFunc
	active      atomic.Bool
	closeOnce   sync.Once
}

// NextEvent blocks until the driver emits a LoopStep or ctx is done. The
// second return is false once the event stream is exhausted (the loop
// reached a terminal state) or ctx expired first.
func (h *ChatLoopHandle) NextEvent(ctx context.Context) (model.LoopStep, bool) {
	select {
	case step, ok := <-h.events:
		return step, ok
	case <-ctx.Done():
		return model.LoopStep{}, false
	}
}

// SubmitToolResults hands results back to the driver so it can resume
// streaming the next round. It returns ErrChatLoopClosed if the loop has
// already reached a terminal state.
func (h *ChatLoopHandle) SubmitToolResults(ctx context.Context, results []model.ToolResult) error {
	if !h.IsActive() {
		return model.ErrChatLoopClosed
	}
	select {
	case h.submissions <- results:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the driver is still running.
func (h *ChatLoopHandle) IsActive() bool {
	return h.active.Load()
}

// Cancel stops the driver task and releases its resources. Safe to call
// more than once and safe to call after the loop has already terminated.
func (h *ChatLoopHandle) Cancel() {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
	})
}

// StartChatLoop begins a new bidirectional exchange seeded with initial
// history and tools. The returned handle's event channel is closed exactly
// once, by the background driver task, after it emits a terminal
// LoopStepDone or LoopStepError.
func (d *Driver) StartChatLoop(ctx context.Context, initial []model.Message, tools []model.ToolDeclaration) *ChatLoopHandle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &ChatLoopHandle{
		events:      make(chan model.LoopStep),
		submissions: make(chan []model.ToolResult),
		cancel:      cancel,
	}
	h.active.Store(true)

	hist := history.New(initial)
	go d.run(runCtx, hist, tools, h)
	return h
}

func (d *Driver) emit(ctx context.Context, h *ChatLoopHandle, step model.LoopStep) bool {
	select {
	case h.events <- step:
		return true
	case <-ctx.Done():
		return false
	}
}

// run is the background driver task: the AwaitingResponse → Streaming →
// AwaitingToolResults state machine described in §4.5. One call to
// wire.Stream covers one AwaitingResponse→Streaming pair; a
// finish_reason=tool_calls transition parks the goroutine on h.submissions
// until the orchestrator answers, then loops back to AwaitingResponse.
func (d *Driver) run(ctx context.Context, hist *history.Manager, tools []model.ToolDeclaration, h *ChatLoopHandle) {
	defer h.active.Store(false)
	defer close(h.events)
	defer h.cancel()

	var cumulativeUsage model.TokenUsage
	var allToolCalls []model.ToolCall

	for {
		cfg := d.Config()
		req := WireRequest{Model: d.modelName, Messages: hist.Snapshot(), Tools: tools, Config: cfg}

		chunks, err := d.wire.Stream(ctx, req)
		if err != nil {
			d.emit(ctx, h, errorStep(d.Name(), err))
			return
		}

		turn, terminal := d.drainTurn(ctx, h, chunks)
		if terminal {
			return
		}
		if turn.err != nil {
			d.emit(ctx, h, errorStep(d.Name(), turn.err))
			return
		}

		d.recordRequest(turn.usage, time.Now())
		cumulativeUsage = cumulativeUsage.Add(turn.usage)

		switch turn.finish {
		case model.FinishToolCalls:
			assistantMsg := model.Message{Role: model.RoleAssistant, Content: turn.content, ToolCalls: turn.toolCalls}
			hist.Append(assistantMsg)
			allToolCalls = append(allToolCalls, turn.toolCalls...)
			d.bumpTurn()

			if !d.emit(ctx, h, model.LoopStep{
				Kind:      model.LoopStepToolCallsRequested,
				Text:      turn.content,
				ToolCalls: turn.toolCalls,
			}) {
				return
			}

			select {
			case results, ok := <-h.submissions:
				if !ok {
					return
				}
				for _, res := range results {
					hist.Append(model.Message{Role: model.RoleTool, ToolCallID: res.ToolCallID, Content: res.Content, IsError: res.IsError})
				}
				hist.PruneToolTurns(cfg.MaxToolTurns)
				if !d.emit(ctx, h, model.LoopStep{Kind: model.LoopStepToolResultsReceived, Count: len(results)}) {
					return
				}
				continue
			case <-ctx.Done():
				return
			}

		case model.FinishLength:
			hist.Append(model.Message{Role: model.RoleAssistant, Content: turn.content})
			d.emit(ctx, h, model.LoopStep{
				Kind:         model.LoopStepDone,
				Text:         turn.content,
				FinishReason: turn.finish,
				TotalUsage:   cumulativeUsage,
				AllToolCalls: allToolCalls,
				Err:          model.NewProviderError(d.Name(), req.Model, errors.New("response truncated at max_tokens")),
			})
			return

		default: // FinishStop, FinishContentFilter, or an other:* reason
			hist.Append(model.Message{Role: model.RoleAssistant, Content: turn.content})
			d.emit(ctx, h, model.LoopStep{
				Kind:         model.LoopStepDone,
				Text:         turn.content,
				FinishReason: turn.finish,
				TotalUsage:   cumulativeUsage,
				AllToolCalls: allToolCalls,
			})
			return
		}
	}
}

// turnResult accumulates one streaming round's content before the driver
// decides what to do with finish.
type turnResult struct {
	content   string
	toolCalls []model.ToolCall
	usage     model.TokenUsage
	finish    model.FinishReason
	err       error
}

// drainTurn reads chunks until the stream closes, forwarding Thinking and
// Content deltas as LoopSteps as they arrive (§4.5's "content/thinking
// deltas are forwarded as they arrive, not buffered for the whole turn").
// The boolean return is true if the caller (run) should return immediately
// because the handle's context ended mid-stream.
func (d *Driver) drainTurn(ctx context.Context, h *ChatLoopHandle, chunks <-chan model.StreamChunk) (turnResult, bool) {
	asm := deltas.New()
	var result turnResult

	for chunk := range chunks {
		if chunk.Err != nil {
			result.err = chunk.Err
			return result, false
		}

		if chunk.Thinking != "" {
			if !d.emit(ctx, h, model.LoopStep{Kind: model.LoopStepThinking, Text: chunk.Thinking}) {
				return result, true
			}
		}

		if chunk.Content != "" {
			result.content += chunk.Content
			if !d.emit(ctx, h, model.LoopStep{Kind: model.LoopStepContent, Text: chunk.Content}) {
				return result, true
			}
		}

		if chunk.ToolCallDelta != nil {
			if err := asm.ProcessToolCallDelta(*chunk.ToolCallDelta); err != nil {
				result.err = err
				return result, false
			}
		}

		if chunk.Done {
			result.finish = chunk.FinishReason
			result.usage = chunk.Usage
			if chunk.FullContent != "" {
				result.content = chunk.FullContent
			}
			break
		}
	}

	if !asm.IsEmpty() {
		calls, parseErrs := asm.Finalize()
		result.toolCalls = calls
		if len(parseErrs) > 0 && result.finish == "" {
			result.finish = model.FinishToolCalls
		}
	}
	if result.finish == "" {
		result.finish = model.FinishStop
	}
	return result, false
}

func errorStep(provider string, err error) model.LoopStep {
	var perr *model.ProviderError
	if !errors.As(err, &perr) {
		perr = model.NewProviderError(provider, "", err)
	}
	return model.LoopStep{Kind: model.LoopStepError, Err: perr}
}
