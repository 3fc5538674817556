package deltas

import (
	"encoding/json"
	"testing"

	"github.com/fennelabs/agentloop/pkg/model"
)

func strp(s string) *string { return &s }

func TestAssemblerOrdersByIndexRegardlessOfArrivalOrder(t *testing.T) {
	a := New()
	if err := a.ProcessDelta(1, strp("t2"), strp("add"), ""); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessDelta(0, strp("t1"), strp("add"), ""); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessDelta(0, nil, nil, `{"a":1,"b":2}`); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessDelta(1, nil, nil, `{"a":3,"b":4}`); err != nil {
		t.Fatal(err)
	}

	calls, errs := a.Finalize()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(calls) != 2 {
		t.Fatalf("want 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "t1" || calls[1].ID != "t2" {
		t.Fatalf("want ascending-index order [t1, t2], got [%s, %s]", calls[0].ID, calls[1].ID)
	}
}

func TestAssemblerIdempotentOnRepeatedIDAndName(t *testing.T) {
	a := New()
	if err := a.ProcessDelta(0, strp("t1"), strp("add"), "{"); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessDelta(0, strp("t1"), strp("add"), "}"); err != nil {
		t.Fatalf("repeated identical id/name should be idempotent, got error: %v", err)
	}
	calls, _ := a.Finalize()
	if len(calls) != 1 || string(calls[0].Arguments) != "{}" {
		t.Fatalf("want single call with args {}, got %+v", calls)
	}
}

func TestAssemblerConflictingNameIsProtocolError(t *testing.T) {
	a := New()
	if err := a.ProcessDelta(0, nil, strp("foo"), ""); err != nil {
		t.Fatal(err)
	}
	err := a.ProcessDelta(0, nil, strp("bar"), "")
	if err == nil {
		t.Fatal("want ProtocolError on conflicting name, got nil")
	}
	var pe *model.ProtocolError
	if !asProtocolError(err, &pe) {
		t.Fatalf("want *model.ProtocolError, got %T: %v", err, err)
	}
}

func asProtocolError(err error, target **model.ProtocolError) bool {
	if pe, ok := err.(*model.ProtocolError); ok {
		*target = pe
		return true
	}
	return false
}

func TestAssemblerInvalidJSONFallsBackWithoutAborting(t *testing.T) {
	a := New()
	_ = a.ProcessDelta(0, strp("t1"), strp("broken"), "{not json")
	calls, errs := a.Finalize()
	if len(calls) != 1 {
		t.Fatalf("want 1 call despite bad JSON, got %d", len(calls))
	}
	if len(errs) != 1 {
		t.Fatalf("want 1 annotated error, got %d", len(errs))
	}
	if !json.Valid(calls[0].Arguments) || string(calls[0].Arguments) != "{}" {
		t.Fatalf("want fallback arguments {}, got %s", calls[0].Arguments)
	}
}

func TestAssemblerDrainResetsState(t *testing.T) {
	a := New()
	_ = a.ProcessDelta(0, strp("t1"), strp("add"), `{}`)
	if a.IsEmpty() {
		t.Fatal("want non-empty before drain")
	}
	a.Drain()
	if !a.IsEmpty() {
		t.Fatal("want empty after drain")
	}
}
