// Package ibl implements the indirect branch lookup table (spec.md §4.8):
// an open-addressed, linear-probe, power-of-two-capacity hashtable mapping a
// dynamic branch target to its cached fragment. The contract is one-sided:
// a false miss is acceptable (it costs a dispatch round-trip) but a false
// hit is never acceptable, so Probe only ever returns an entry it can
// confirm still matches the requested tag.
package ibl

import (
	"sync/atomic"

	"dynacore.dev/dynacore/pkg/fragment"
)

type entry struct {
	tag     atomic.Uintptr // 0 means empty
	fragID  atomic.Uint32
	entryPC atomic.Uintptr
}

// Table is a lossy per-thread or shared indirect-branch lookup table.
// Capacity is always a power of two so probing can mask instead of mod.
type Table struct {
	entries []entry
	mask    uint64
}

// New returns a Table with the given capacity, rounded up to the next power
// of two (minimum 16).
func New(capacity int) *Table {
	c := 16
	for c < capacity {
		c <<= 1
	}
	return &Table{entries: make([]entry, c), mask: uint64(c - 1)}
}

func (t *Table) slot(target uintptr) uint64 {
	h := uint64(target)
	h ^= h >> 29
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 32
	return h & t.mask
}

// Probe resolves target to a cached fragment entry, or reports a miss.
// Never returns a stale fragment ID for a different tag: the slot's tag is
// checked after reading the fragment fields, so a concurrent Insert racing
// a Probe is observed either fully before or not at all from Probe's point
// of view (the tag write happens-last in Insert, see below).
func (t *Table) Probe(target uintptr) (id fragment.ID, entryPC uintptr, ok bool) {
	i := t.slot(target)
	for probes := uint64(0); probes <= t.mask; probes++ {
		e := &t.entries[i]
		tag := e.tag.Load()
		if tag == 0 {
			return 0, 0, false
		}
		if tag == target {
			id := fragment.ID(e.fragID.Load())
			pc := e.entryPC.Load()
			if e.tag.Load() != target {
				// A concurrent Insert replaced the slot while the fields
				// were being read; report a miss rather than risk a
				// false hit.
				return 0, 0, false
			}
			return id, pc, true
		}
		i = (i + 1) & t.mask
	}
	return 0, 0, false
}

// Insert records that target resolves to (id, entryPC), evicting whatever
// previously occupied the slot (this table is explicitly lossy: spec.md
// §4.8 "allowed to return a false miss... but never a false hit"). The tag
// field is written last so a concurrent Probe either sees the old tag (and
// keeps probing/misses) or the fully-populated new entry, never a partial
// one that could produce a false hit.
func (t *Table) Insert(target uintptr, id fragment.ID, entryPC uintptr) {
	i := t.slot(target)
	e := &t.entries[i]
	e.tag.Store(0)
	e.fragID.Store(uint32(id))
	e.entryPC.Store(entryPC)
	e.tag.Store(target)
}

// Invalidate removes any entry for target, used when a fragment it points
// to is unlinked or flushed (the probe then degrades to a dispatch
// round-trip rather than risk a false hit against a reclaimed unit).
func (t *Table) Invalidate(target uintptr) {
	i := t.slot(target)
	for probes := uint64(0); probes <= t.mask; probes++ {
		e := &t.entries[i]
		if e.tag.Load() == target {
			e.tag.Store(0)
			return
		}
		if e.tag.Load() == 0 {
			return
		}
		i = (i + 1) & t.mask
	}
}

// InvalidateFragment scans the whole table removing any entry pointing at
// id, used when a fragment is evicted (spec.md §4.2): a cheap O(capacity)
// sweep, acceptable because it only runs during eviction, never on the hot
// probe path.
func (t *Table) InvalidateFragment(id fragment.ID) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.tag.Load() != 0 && fragment.ID(e.fragID.Load()) == id {
			e.tag.Store(0)
		}
	}
}
