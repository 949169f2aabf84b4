package fragtab

import (
	"testing"

	"dynacore.dev/dynacore/pkg/fragment"
)

func TestPrivateInsertLookupRemove(t *testing.T) {
	p := NewPrivate()
	f := fragment.New(1, 0x1000, 0)

	if got := p.Lookup(0x1000); got != nil {
		t.Fatalf("Lookup on empty table = %v, want nil", got)
	}
	if !p.Insert(0x1000, f) {
		t.Fatalf("Insert on empty table failed")
	}
	if p.Insert(0x1000, f) {
		t.Fatalf("Insert of duplicate tag should fail")
	}
	if got := p.Lookup(0x1000); got != f {
		t.Fatalf("Lookup = %v, want %v", got, f)
	}
	if got := p.Remove(0x1000); got != f {
		t.Fatalf("Remove = %v, want %v", got, f)
	}
	if got := p.Lookup(0x1000); got != nil {
		t.Fatalf("Lookup after Remove = %v, want nil", got)
	}
}

func TestPrivateGrowsAndKeepsEntries(t *testing.T) {
	p := NewPrivate()
	const n = 200
	frags := make(map[fragment.Tag]*fragment.Fragment, n)
	for i := 0; i < n; i++ {
		tag := fragment.Tag(0x10000 + i*16)
		f := fragment.New(fragment.ID(i), tag, 0)
		frags[tag] = f
		if !p.Insert(tag, f) {
			t.Fatalf("Insert(%v) failed", tag)
		}
	}
	if p.Len() != n {
		t.Fatalf("Len() = %d, want %d", p.Len(), n)
	}
	for tag, want := range frags {
		if got := p.Lookup(tag); got != want {
			t.Fatalf("Lookup(%v) = %v, want %v", tag, got, want)
		}
	}
}

func TestSharedConcurrentReadDuringWrite(t *testing.T) {
	s := NewShared()
	f1 := fragment.New(1, 0x2000, 0)
	if !s.Insert(0x2000, f1) {
		t.Fatalf("Insert failed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if got := s.Lookup(0x2000); got != f1 {
				t.Errorf("concurrent Lookup = %v, want %v", got, f1)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		tag := fragment.Tag(0x3000 + i)
		s.Insert(tag, fragment.New(fragment.ID(i+2), tag, 0))
	}
	<-done

	if got := s.Lookup(0x2000); got != f1 {
		t.Fatalf("final Lookup = %v, want %v", got, f1)
	}
}

func TestSharedRemoveAbsent(t *testing.T) {
	s := NewShared()
	if got := s.Remove(0xdead); got != nil {
		t.Fatalf("Remove on empty table = %v, want nil", got)
	}
}
