// Package loopdetect watches the sequence of tool calls a model requests
// within one chat loop and flags repetitive behaviour — exact duplicates
// and cyclic patterns — before it burns the caller's token budget. There is
// no teacher analogue for this exact algorithm; it follows the config
// struct + documented-defaults idiom used throughout the teacher codebase
// (e.g. ToolExecConfig/DefaultToolExecConfig) and is exercised purely
// through C6, the chat-loop orchestrator.
package loopdetect

import (
	"encoding/json"
	"reflect"
	"strconv"
	"time"

	"github.com/fennelabs/agentloop/pkg/model"
)

// Action is the graduated response a detection maps to.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionWarn      Action = "warn"
	ActionTerminate Action = "terminate"
)

// Config tunes the detector. Zero-value fields are replaced by
// DefaultConfig's values in New.
type Config struct {
	WindowSize            int
	MaxDuplicates         int
	MinPatternLength      int
	MaxPatternLength      int
	MinPatternRepetitions int
	Actions               []Action
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:            10,
		MaxDuplicates:         2,
		MinPatternLength:      2,
		MaxPatternLength:      5,
		MinPatternRepetitions: 2,
		Actions:               []Action{ActionWarn, ActionWarn, ActionTerminate},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = d.MaxDuplicates
	}
	if c.MinPatternLength <= 0 {
		c.MinPatternLength = d.MinPatternLength
	}
	if c.MaxPatternLength <= 0 {
		c.MaxPatternLength = d.MaxPatternLength
	}
	if c.MinPatternRepetitions <= 0 {
		c.MinPatternRepetitions = d.MinPatternRepetitions
	}
	if len(c.Actions) == 0 {
		c.Actions = d.Actions
	}
	return c
}

// DetectionKind discriminates the kind of repetition a Detection reports.
type DetectionKind string

const (
	KindExactDuplicate DetectionKind = "exact_duplicate"
	KindPattern        DetectionKind = "pattern"
)

// Detection describes one flagged repetition and the action the detector
// has decided on for it.
type Detection struct {
	Kind       DetectionKind
	Call       model.ToolCall
	Count      int
	Pattern    []model.ToolCall
	Confidence float64
	Action     Action
	// WarningMessage is set when Action == ActionWarn; the orchestrator
	// prepends it to the triggering call's eventual ToolResult.Content.
	WarningMessage string
	// Suggestion is set when Action == ActionTerminate; it becomes the
	// message of the model.LoopDetectedError the orchestrator raises.
	Suggestion string
}

// Detector holds the bounded window of recently observed tool calls and
// the running detection count that drives the graduated response.
type Detector struct {
	cfg            Config
	window         []model.CallRecord
	detectionCount int
}

// New constructs a Detector, filling unset Config fields with defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Check records call and returns a Detection if it triggers one. The
// caller is responsible for acting on Detection.Action (see C6 §4.6): a
// Terminate action should also call Clear to avoid leaking state into a
// subsequent loop over the same Detector.
func (d *Detector) Check(call model.ToolCall, now time.Time) *Detection {
	det := d.checkExactDuplicate(call)
	if det == nil {
		det = d.checkCyclicPattern(call)
	}

	d.record(call, now)

	if det == nil {
		return nil
	}

	d.detectionCount++
	idx := d.detectionCount - 1
	if idx >= len(d.cfg.Actions) {
		idx = len(d.cfg.Actions) - 1
	}
	det.Action = d.cfg.Actions[idx]

	switch det.Action {
	case ActionWarn:
		det.WarningMessage = warningMessage(det)
	case ActionTerminate:
		det.Suggestion = terminateSuggestion(det)
	}

	return det
}

func warningMessage(det *Detection) string {
	switch det.Kind {
	case KindExactDuplicate:
		return "warning: this tool call has been repeated " + strconv.Itoa(det.Count) +
			" times with identical arguments; consider a different approach."
	default:
		return "warning: a repeating tool-call pattern has been detected; consider a different approach."
	}
}

func terminateSuggestion(det *Detection) string {
	switch det.Kind {
	case KindExactDuplicate:
		return "the same tool call has been repeated too many times; stop and report what you've learned so far."
	default:
		return "a cyclic tool-call pattern was detected; stop and report what you've learned so far."
	}
}

func (d *Detector) record(call model.ToolCall, now time.Time) {
	d.window = append(d.window, model.CallRecord{Call: call, Timestamp: now})
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}
}

func (d *Detector) checkExactDuplicate(call model.ToolCall) *Detection {
	count := 0
	for _, rec := range d.window {
		if structurallyEqual(rec.Call, call) {
			count++
		}
	}
	// count is the number of prior entries in the window matching call; once
	// it reaches max_duplicates, the current (triggering) call is the
	// (max_duplicates+1)th identical occurrence.
	if count >= d.cfg.MaxDuplicates {
		return &Detection{
			Kind:       KindExactDuplicate,
			Call:       call,
			Count:      count + 1,
			Confidence: 1.0,
		}
	}
	return nil
}

func (d *Detector) checkCyclicPattern(call model.ToolCall) *Detection {
	// Build the candidate sequence as if call were already appended, without
	// mutating d.window (record() does that after this check per §4.3's
	// "exact duplicate takes priority... in the same check" wording, which
	// treats both checks as operating on the pre-append window plus the
	// current call).
	seq := make([]model.ToolCall, 0, len(d.window)+1)
	for _, rec := range d.window {
		seq = append(seq, rec.Call)
	}
	seq = append(seq, call)

	reps := d.cfg.MinPatternRepetitions
	if reps < 2 {
		reps = 2
	}
	for l := d.cfg.MinPatternLength; l <= d.cfg.MaxPatternLength; l++ {
		if len(seq) < reps*l {
			continue
		}
		last := seq[len(seq)-l:]
		matched := true
		for r := 2; r <= reps && matched; r++ {
			matched = sequenceEqual(last, seq[len(seq)-r*l:len(seq)-(r-1)*l])
		}
		if matched {
			return &Detection{
				Kind:       KindPattern,
				Call:       call,
				Pattern:    append([]model.ToolCall(nil), last...),
				Count:      reps,
				Confidence: 0.9,
			}
		}
	}
	return nil
}

// Clear zeroes the window and detection count. Invoked when a Terminate
// action fires, so a Detector reused across a subsequent chat loop in the
// same process starts clean.
func (d *Detector) Clear() {
	d.window = nil
	d.detectionCount = 0
}

func sequenceEqual(a, b []model.ToolCall) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !structurallyEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// structurallyEqual compares two tool calls by (name, arguments) only — the
// id is deliberately excluded per §9's Open Question ("current spec says
// no: equality is (name, arguments) only"). Argument comparison is
// order-insensitive on object keys because both sides are unmarshaled into
// generic Go values before comparison.
func structurallyEqual(a, b model.ToolCall) bool {
	if a.Name != b.Name {
		return false
	}
	var av, bv any
	aErr := json.Unmarshal(a.Arguments, &av)
	bErr := json.Unmarshal(b.Arguments, &bv)
	if aErr != nil || bErr != nil {
		return string(a.Arguments) == string(b.Arguments)
	}
	return reflect.DeepEqual(av, bv)
}
