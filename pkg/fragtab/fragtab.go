// Package fragtab implements the fragment table (spec.md §4.3): an
// open-addressed hash map from application tag to fragment, in two
// flavors — a lock-free single-owner Private table and a many-reader/
// single-writer Shared table protected by a seqlock.SeqCount, matching the
// resize-under-exclusive-lock discipline the spec calls for.
package fragtab

import (
	"sync"

	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/seqlock"
)

const (
	initialCapacity = 16
	loadFactorNum   = 7
	loadFactorDen   = 10
)

type slot struct {
	tag   fragment.Tag
	frag  *fragment.Fragment
	used  bool
	// tombstone marks a removed slot so probing past it for a different
	// key still terminates correctly.
	tombstone bool
}

func hashTag(tag fragment.Tag, mask uint64) uint64 {
	h := uint64(tag)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h & mask
}

// table is the shared open-addressing core used by both Private and Shared.
type table struct {
	slots []slot
	count int
}

func newTable(capacity int) *table {
	return &table{slots: make([]slot, capacity)}
}

func (t *table) mask() uint64 { return uint64(len(t.slots) - 1) }

func (t *table) lookup(tag fragment.Tag) *fragment.Fragment {
	m := t.mask()
	i := hashTag(tag, m)
	for probes := uint64(0); probes < uint64(len(t.slots)); probes++ {
		s := &t.slots[i]
		if !s.used && !s.tombstone {
			return nil
		}
		if s.used && s.tag == tag {
			return s.frag
		}
		i = (i + 1) & m
	}
	return nil
}

// insert returns (ok=false) if tag is already present; otherwise inserts and
// grows if the load factor threshold is exceeded.
func (t *table) insert(tag fragment.Tag, f *fragment.Fragment) bool {
	if t.lookup(tag) != nil {
		return false
	}
	if (t.count+1)*loadFactorDen > len(t.slots)*loadFactorNum {
		t.grow()
	}
	m := t.mask()
	i := hashTag(tag, m)
	for {
		s := &t.slots[i]
		if !s.used {
			s.tag = tag
			s.frag = f
			s.used = true
			s.tombstone = false
			t.count++
			return true
		}
		i = (i + 1) & m
	}
}

func (t *table) remove(tag fragment.Tag) *fragment.Fragment {
	m := t.mask()
	i := hashTag(tag, m)
	for probes := uint64(0); probes < uint64(len(t.slots)); probes++ {
		s := &t.slots[i]
		if !s.used && !s.tombstone {
			return nil
		}
		if s.used && s.tag == tag {
			f := s.frag
			s.used = false
			s.tombstone = true
			s.frag = nil
			t.count--
			return f
		}
		i = (i + 1) & m
	}
	return nil
}

// grow doubles capacity and rehashes every live entry (spec.md §4.3
// "Resize doubles capacity at a 70% load threshold").
func (t *table) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	for _, s := range old {
		if s.used {
			t.insert(s.tag, s.frag)
		}
	}
}

// Private is a per-thread fragment table: no synchronization, invalidated
// wholesale on thread exit (spec.md §4.3).
type Private struct {
	t *table
}

// NewPrivate returns an empty private table.
func NewPrivate() *Private {
	return &Private{t: newTable(initialCapacity)}
}

// Lookup returns the fragment for tag, or nil.
func (p *Private) Lookup(tag fragment.Tag) *fragment.Fragment { return p.t.lookup(tag) }

// Insert adds (tag, f); returns false if tag is already present.
func (p *Private) Insert(tag fragment.Tag, f *fragment.Fragment) bool { return p.t.insert(tag, f) }

// Remove deletes and returns the fragment for tag, or nil if absent.
func (p *Private) Remove(tag fragment.Tag) *fragment.Fragment { return p.t.remove(tag) }

// Len returns the number of live entries.
func (p *Private) Len() int { return p.t.count }

// Shared is the process-wide fragment table: readers use SeqCount to probe
// lock-free and retry on a concurrent write; writers (insert, remove,
// resize) hold wmu, which also serializes with SeqCount's own write-side
// bookkeeping (spec.md §5 "Shared fragment table: Single-writer /
// many-reader sequence lock; resize under exclusive lock").
type Shared struct {
	seq seqlock.SeqCount
	mu  sync.Mutex
	t   *table
}

// NewShared returns an empty shared table.
func NewShared() *Shared {
	return &Shared{t: newTable(initialCapacity)}
}

// Lookup performs a lock-free read, retrying if a writer's critical section
// overlapped the probe. TryIncRef is applied by the caller (typically
// pkg/dispatch) after Lookup returns, since eviction can race a lookup's
// return with a DecRef to zero; Lookup alone only guarantees the *pointer*
// observed was live at some point during the read.
func (s *Shared) Lookup(tag fragment.Tag) *fragment.Fragment {
	for {
		epoch := s.seq.BeginRead()
		f := s.t.lookup(tag)
		if s.seq.ReadOk(epoch) {
			return f
		}
	}
}

// Insert adds (tag, f) under the exclusive writer lock. Returns false if tag
// is already present (spec.md §4.3 insert(tag, fragment) -> ok or
// already-present).
func (s *Shared) Insert(tag fragment.Tag, f *fragment.Fragment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.BeginWrite()
	defer s.seq.EndWrite()
	return s.t.insert(tag, f)
}

// Remove deletes and returns the fragment for tag under the exclusive
// writer lock, or nil if absent.
func (s *Shared) Remove(tag fragment.Tag) *fragment.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.BeginWrite()
	defer s.seq.EndWrite()
	return s.t.remove(tag)
}

// Len returns the number of live entries. Takes the writer lock; intended
// for diagnostics, not the hot path.
func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.count
}
