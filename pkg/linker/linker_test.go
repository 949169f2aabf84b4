package linker

import (
	"testing"

	"dynacore.dev/dynacore/pkg/fragment"
)

type fakeRegistry struct {
	byID map[fragment.ID]*fragment.Fragment
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byID: make(map[fragment.ID]*fragment.Fragment)}
}

func (r *fakeRegistry) add(f *fragment.Fragment) { r.byID[f.ID] = f }

func (r *fakeRegistry) Get(id fragment.ID) *fragment.Fragment { return r.byID[id] }

func newFragWithExits(id fragment.ID, n int) *fragment.Fragment {
	f := fragment.New(id, fragment.Tag(uintptr(id)*0x1000), 0)
	f.Exits = make([]fragment.Exit, n)
	return f
}

func TestLinkRewritesExitAndRecordsIncoming(t *testing.T) {
	reg := newFakeRegistry()
	f := newFragWithExits(1, 1)
	g := newFragWithExits(2, 1)
	reg.add(f)
	reg.add(g)

	l := New(reg)
	if err := l.Link(f, 0, g); err != nil {
		t.Fatalf("Link returned error: %v", err)
	}

	if f.Exits[0].State != fragment.ExitLinked || f.Exits[0].Target != g.ID {
		t.Fatalf("f.Exits[0] = %+v, want linked to %d", f.Exits[0], g.ID)
	}
	incoming := g.Incoming()
	if len(incoming) != 1 || incoming[0].Source != f.ID || incoming[0].ExitIndex != 0 {
		t.Fatalf("g.Incoming() = %+v, want one link from f exit 0", incoming)
	}
}

func TestLinkRejectsOutOfRangeExit(t *testing.T) {
	reg := newFakeRegistry()
	f := newFragWithExits(1, 1)
	g := newFragWithExits(2, 1)
	l := New(reg)
	if err := l.Link(f, 5, g); err == nil {
		t.Fatalf("Link with out-of-range exit index did not return an error")
	}
}

func TestUnlinkIncomingRestoresSourcesAndClearsTarget(t *testing.T) {
	reg := newFakeRegistry()
	f := newFragWithExits(1, 1)
	g := newFragWithExits(2, 1)
	reg.add(f)
	reg.add(g)

	l := New(reg)
	if err := l.Link(f, 0, g); err != nil {
		t.Fatalf("Link: %v", err)
	}

	l.UnlinkIncoming(g)

	if f.Exits[0].State != fragment.ExitUnlinked {
		t.Fatalf("f.Exits[0].State = %v, want ExitUnlinked after UnlinkIncoming(g)", f.Exits[0].State)
	}
	if len(g.Incoming()) != 0 {
		t.Fatalf("g still has incoming links after UnlinkIncoming(g)")
	}
}

func TestUnlinkIncomingSkipsAlreadyEvictedSource(t *testing.T) {
	reg := newFakeRegistry()
	g := newFragWithExits(2, 1)
	reg.add(g)
	// Source fragment 1 deliberately not registered: simulates it having
	// been evicted already.
	g.AddIncoming(fragment.IncomingLink{Source: 1, ExitIndex: 0})

	l := New(reg)
	l.UnlinkIncoming(g) // must not panic despite the missing source
}

func TestUnlinkExitClearsBothSidesWhenLinked(t *testing.T) {
	reg := newFakeRegistry()
	f := newFragWithExits(1, 1)
	g := newFragWithExits(2, 1)
	reg.add(f)
	reg.add(g)

	l := New(reg)
	if err := l.Link(f, 0, g); err != nil {
		t.Fatalf("Link: %v", err)
	}

	l.UnlinkExit(f, 0)

	if f.Exits[0].State != fragment.ExitUnlinked {
		t.Fatalf("f.Exits[0].State = %v, want ExitUnlinked", f.Exits[0].State)
	}
	if len(g.Incoming()) != 0 {
		t.Fatalf("g still lists f as an incoming link after UnlinkExit(f, 0)")
	}
}

func TestUnlinkExitOnUnlinkedExitIsNoop(t *testing.T) {
	reg := newFakeRegistry()
	f := newFragWithExits(1, 1)
	l := New(reg)
	l.UnlinkExit(f, 0) // already unlinked; must not panic or alter state
	if f.Exits[0].State != fragment.ExitUnlinked {
		t.Fatalf("f.Exits[0].State = %v, want ExitUnlinked", f.Exits[0].State)
	}
}
