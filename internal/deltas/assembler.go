// Package deltas reconstructs complete tool calls from the streaming,
// index-keyed deltas providers emit while a model generates tool-call
// arguments. Providers (OpenAI-style function-call deltas, Anthropic
// input_json_delta events) disagree on wire format but agree on the shape:
// the first fragment for a call carries an index plus optionally an id and
// a name, later fragments carry only the index and a piece of the
// arguments JSON string. This package's Assembler is the provider-agnostic
// component that the Driver in internal/providers feeds with the deltas
// every wire client emits.
//
// Grounded on the map[int]*models.ToolCall accumulation pattern in
// providers/openai.go's processStream, generalized into a reusable type
// with the idempotent/conflict-detection contract the orchestrator needs.
package deltas

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fennelabs/agentloop/pkg/model"
)

type partial struct {
	index     int
	id        string
	name      string
	arguments strings.Builder
}

// Assembler reconstructs ToolCalls from a stream of per-index deltas. It is
// not safe for concurrent use; a single provider driver goroutine owns it
// for the duration of one model turn.
type Assembler struct {
	byIndex map[int]*partial
	order   []int
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{byIndex: make(map[int]*partial)}
}

// ProcessDelta folds one streamed fragment into the assembler's state.
//
// It is idempotent for the (index, id, name) triple: if id/name arrive only
// once, they are remembered; if they arrive again with the same value, the
// repeat is ignored; if they arrive with a conflicting value for the same
// index, ProcessDelta returns a *model.ProtocolError and the assembler's
// state for that index is left at its last-good value.
func (a *Assembler) ProcessDelta(index int, id, name *string, argumentsDelta string) error {
	p, ok := a.byIndex[index]
	if !ok {
		p = &partial{index: index}
		a.byIndex[index] = p
		a.order = append(a.order, index)
	}

	if id != nil {
		if p.id == "" {
			p.id = *id
		} else if p.id != *id {
			return model.NewProtocolError(fmt.Sprintf(
				"conflicting tool-call id at index %d: had %q, received %q", index, p.id, *id))
		}
	}

	if name != nil {
		if p.name == "" {
			p.name = *name
		} else if p.name != *name {
			return model.NewProtocolError(fmt.Sprintf(
				"conflicting tool-call name at index %d: had %q, received %q", index, p.name, *name))
		}
	}

	if argumentsDelta != "" {
		p.arguments.WriteString(argumentsDelta)
	}

	return nil
}

// ProcessToolCallDelta is a convenience wrapper around ProcessDelta for the
// model.ToolCallDelta variant a provider driver reads off its SSE stream.
func (a *Assembler) ProcessToolCallDelta(d model.ToolCallDelta) error {
	return a.ProcessDelta(d.Index, d.ID, d.Name, d.ArgumentsDelta)
}

// IsEmpty reports whether any deltas have been recorded since the last
// Drain or since construction.
func (a *Assembler) IsEmpty() bool {
	return len(a.byIndex) == 0
}

// Finalize returns the assembled tool calls ordered by ascending index.
// Each entry's accumulated argument text is JSON-parsed only here; if
// parsing fails the call is retained with Arguments = {} and an error is
// returned alongside it (annotated, not fatal). The Driver does not pass
// these errors on: the call is requested with {} as its arguments, and the
// parse failure is reported neither to the orchestrator nor to the model.
func (a *Assembler) Finalize() ([]model.ToolCall, []error) {
	indices := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	calls := make([]model.ToolCall, 0, len(indices))
	var errs []error
	for _, idx := range indices {
		p := a.byIndex[idx]
		raw := p.arguments.String()
		args := json.RawMessage(raw)
		if raw == "" {
			args = json.RawMessage(`{}`)
		} else if !json.Valid(args) {
			errs = append(errs, fmt.Errorf("tool call %q (index %d): invalid arguments JSON: %q", p.name, idx, raw))
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, model.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: args,
		})
	}
	return calls, errs
}

// Drain returns the same result as Finalize and resets the assembler so it
// can be reused for the next turn in the same conversation.
func (a *Assembler) Drain() ([]model.ToolCall, []error) {
	calls, errs := a.Finalize()
	a.byIndex = make(map[int]*partial)
	a.order = nil
	return calls, errs
}
