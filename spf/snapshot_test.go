package spf

import (
	"testing"

	"github.com/relaymint/spf/spf/dnsmsg"
)

func TestPendingSnapshotRoundTrip(t *testing.T) {
	p := PendingSnapshot{Name: "example.com", Type: int(dnsmsg.TypeTXT), Done: true}
	b, err := p.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	var got PendingSnapshot
	rest, err := got.UnmarshalMsg(b)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("leftover bytes: %d", len(rest))
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := Snapshot{
		CallbackID:  "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		State:       int(stateAwaitingRecord),
		Domain:      "example.com",
		Budget:      7,
		VoidLookups: 1,
		Nested:      true,
		Pending: []PendingSnapshot{
			{Name: "example.com", Type: int(dnsmsg.TypeSPF), Done: false},
			{Name: "example.com", Type: int(dnsmsg.TypeTXT), Done: true},
		},
	}
	b, err := s.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	var got Snapshot
	if _, err := got.UnmarshalMsg(b); err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if got.CallbackID != s.CallbackID || got.State != s.State || got.Domain != s.Domain {
		t.Errorf("got %+v, want %+v", got, s)
	}
	if len(got.Pending) != 2 || got.Pending[1].Done != true {
		t.Errorf("Pending round-trip mismatch: %+v", got.Pending)
	}
	if s.Msgsize() != len(b) {
		t.Errorf("Msgsize() = %d, want %d", s.Msgsize(), len(b))
	}
}

func TestEvaluatorSnapshotRestore(t *testing.T) {
	e, err := New(Args{ClientIP: "192.0.2.1", MailFrom: "alice@example.com"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := e.Step(nil)
	if out.IsFinal() || len(out.Queries) == 0 {
		t.Fatal("expected the initial Step to emit the record queries")
	}

	snap := e.Snapshot()
	restored, err := Restore(Args{ClientIP: "192.0.2.1", MailFrom: "alice@example.com"}, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.state != e.state || restored.domain != e.domain || restored.budget != e.budget {
		t.Errorf("restored evaluator diverges: state=%v domain=%v budget=%v", restored.state, restored.domain, restored.budget)
	}
	if len(restored.pending) != len(e.pending) {
		t.Fatalf("pending length mismatch: %d vs %d", len(restored.pending), len(e.pending))
	}
}
