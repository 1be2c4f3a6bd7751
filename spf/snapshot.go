package spf

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/tinylib/msgp/msgp"

	"github.com/relaymint/spf/spf/dnsmsg"
)

// PendingSnapshot is the serialized form of one outstanding query.
type PendingSnapshot struct {
	Name string
	Type int
	Done bool
}

func (p PendingSnapshot) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendString(b, p.Name)
	b = msgp.AppendInt(b, p.Type)
	b = msgp.AppendBool(b, p.Done)
	return b, nil
}

func (p *PendingSnapshot) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	if sz != 3 {
		return nil, fmt.Errorf("spf: PendingSnapshot array has %d elements, want 3", sz)
	}
	if p.Name, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return nil, err
	}
	if p.Type, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return nil, err
	}
	if p.Done, bts, err = msgp.ReadBoolBytes(bts); err != nil {
		return nil, err
	}
	return bts, nil
}

func (p PendingSnapshot) Msgsize() int {
	b, _ := p.MarshalMsg(nil)
	return len(b)
}

// Snapshot captures the envelope of a suspended evaluation: enough to park
// it in a queue or KV store between DNS round trips and rebuild the
// Evaluator on the other side, without holding it resident in memory.
//
// It does not capture the current SPF record's mechanism list, the include
// stack, the PTR cache or the explain state. A Snapshot taken while the
// initial or a redirect's record queries are outstanding, together with the
// original Args, is sufficient to re-drive Step once the caller resolves
// them. A Snapshot taken while a mechanism, PTR or explain query is
// outstanding, or while a record is fetched inside an include, does not
// carry enough state to resume that evaluation.
type Snapshot struct {
	CallbackID  string // ulid.ULID.String()
	State       int
	Domain      string
	Budget      int
	VoidLookups int
	Nested      bool
	Pending     []PendingSnapshot
}

func (s Snapshot) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 7)
	b = msgp.AppendString(b, s.CallbackID)
	b = msgp.AppendInt(b, s.State)
	b = msgp.AppendString(b, s.Domain)
	b = msgp.AppendInt(b, s.Budget)
	b = msgp.AppendInt(b, s.VoidLookups)
	b = msgp.AppendBool(b, s.Nested)
	b = msgp.AppendArrayHeader(b, uint32(len(s.Pending)))
	for _, p := range s.Pending {
		var err error
		if b, err = p.MarshalMsg(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *Snapshot) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	if sz != 7 {
		return nil, fmt.Errorf("spf: Snapshot array has %d elements, want 7", sz)
	}
	if s.CallbackID, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return nil, err
	}
	if s.State, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return nil, err
	}
	if s.Domain, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return nil, err
	}
	if s.Budget, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return nil, err
	}
	if s.VoidLookups, bts, err = msgp.ReadIntBytes(bts); err != nil {
		return nil, err
	}
	if s.Nested, bts, err = msgp.ReadBoolBytes(bts); err != nil {
		return nil, err
	}
	n, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	s.Pending = make([]PendingSnapshot, n)
	for i := range s.Pending {
		if bts, err = s.Pending[i].UnmarshalMsg(bts); err != nil {
			return nil, err
		}
	}
	return bts, nil
}

func (s Snapshot) Msgsize() int {
	b, _ := s.MarshalMsg(nil)
	return len(b)
}

// Snapshot captures e's resumable envelope, valid only when e is currently
// suspended awaiting responses (i.e. right after a Step call returned
// non-empty Queries).
func (e *Evaluator) Snapshot() Snapshot {
	pending := make([]PendingSnapshot, len(e.pending))
	for i, p := range e.pending {
		pending[i] = PendingSnapshot{Name: p.question.Name, Type: int(p.question.Type), Done: p.done}
	}
	return Snapshot{
		CallbackID:  e.callbackID.String(),
		State:       int(e.state),
		Domain:      e.domain,
		Budget:      e.budget,
		VoidLookups: e.voidLookups,
		Nested:      e.nested,
		Pending:     pending,
	}
}

// Restore rebuilds a suspended Evaluator from args and snap. The caller
// must still hold the unresolved Queries from the Step call that produced
// snap; feeding Restore's Evaluator the matching Responses resumes it
// exactly where it left off when snap was taken in stateAwaitingRecord with
// an empty include stack (the initial or a redirect's record fetch). The
// include stack is not restored, so a record fetch inside an include
// resumes as if it were at the top level.
func Restore(args Args, snap Snapshot) (*Evaluator, error) {
	id, err := ulid.Parse(snap.CallbackID)
	if err != nil {
		return nil, fmt.Errorf("spf: restoring snapshot: %w", err)
	}
	e, err := New(args)
	if err != nil {
		return nil, err
	}
	e.callbackID = id
	e.state = state(snap.State)
	e.domain = snap.Domain
	e.budget = snap.Budget
	e.voidLookups = snap.VoidLookups
	e.nested = snap.Nested
	e.pending = make([]pendingQuery, len(snap.Pending))
	for i, p := range snap.Pending {
		e.pending[i] = pendingQuery{
			question: dnsmsg.Question{Name: p.Name, Type: dnsmsg.QType(p.Type)},
			done:     p.Done,
		}
	}
	return e, nil
}
