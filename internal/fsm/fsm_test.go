package fsm

import (
	"testing"
)

// trace records hook invocations for assertions.
type trace struct {
	events []string
}

func (tr *trace) mark(s string) { tr.events = append(tr.events, s) }

func twoStateTable(tr *trace, next StateID) []Handlers[*trace] {
	return []Handlers[*trace]{
		{
			State:       0,
			OnArrival:   func(c *trace) { c.mark("arrive0") },
			OnDeparture: func(c *trace) { c.mark("depart0") },
			OnRead:      func(c *trace) StateID { c.mark("read0"); return next },
		},
		{
			State:     1,
			OnArrival: func(c *trace) { c.mark("arrive1") },
			OnRead:    func(c *trace) StateID { c.mark("read1"); return 1 },
		},
	}
}

func TestTransitionRunsDepartureThenArrival(t *testing.T) {
	tr := &trace{}
	m, err := New(twoStateTable(tr, 1), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start(tr)

	st, err := m.HandleRead(tr)
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if st != 1 {
		t.Fatalf("state = %d, want 1", st)
	}

	want := []string{"arrive0", "read0", "depart0", "arrive1"}
	if len(tr.events) != len(want) {
		t.Fatalf("events = %v, want %v", tr.events, want)
	}
	for i := range want {
		if tr.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", tr.events, want)
		}
	}
}

func TestSameStateReturnSkipsHooks(t *testing.T) {
	tr := &trace{}
	m, err := New(twoStateTable(tr, 0), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start(tr)
	tr.events = nil

	if _, err := m.HandleRead(tr); err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if len(tr.events) != 1 || tr.events[0] != "read0" {
		t.Fatalf("events = %v, want only read0", tr.events)
	}
}

func TestMissingHandler(t *testing.T) {
	tr := &trace{}
	m, err := New(twoStateTable(tr, 1), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.HandleWrite(tr); err != ErrNoHandler {
		t.Fatalf("HandleWrite err = %v, want ErrNoHandler", err)
	}
	if _, err := m.HandleBlock(tr); err != ErrNoHandler {
		t.Fatalf("HandleBlock err = %v, want ErrNoHandler", err)
	}
}

func TestTableOrderValidated(t *testing.T) {
	bad := []Handlers[*trace]{{State: 1}}
	if _, err := New(bad, 0); err == nil {
		t.Fatal("expected error for out-of-order state table")
	}
}

func TestJump(t *testing.T) {
	tr := &trace{}
	m, err := New(twoStateTable(tr, 1), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start(tr)
	tr.events = nil

	if st := m.Jump(tr, 1); st != 1 {
		t.Fatalf("Jump = %d, want 1", st)
	}
	want := []string{"depart0", "arrive1"}
	if len(tr.events) != 2 || tr.events[0] != want[0] || tr.events[1] != want[1] {
		t.Fatalf("events = %v, want %v", tr.events, want)
	}
}
