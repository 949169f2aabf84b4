// Package fragment defines the core unit of cached code (spec.md §3
// "Fragment") and its reference-counting discipline. Fragments live in a
// dense slab keyed by integer id rather than being linked by raw pointer
// (spec.md §9 "Cyclic references... model as arena+index"): incoming links
// and translation lookups carry an ID, so eviction can invalidate an ID in
// place and turn subsequent lookups into misses instead of leaving a
// dangling pointer.
//
// The reference-counting scheme (IncRef/TryIncRef/DecRef, with a
// speculative window during TryIncRef) is grounded directly on
// google-gvisor's pkg/refs_vfs2.Refs template.
package fragment

import (
	"sync"
	"sync/atomic"

	"dynacore.dev/dynacore/pkg/log"
)

// ID is a dense, slab-local fragment identifier. IDs are handed out from a
// monotonically increasing counter and never reused; removing a fragment
// from the slab (pkg/engine's slab.Remove) makes later lookups of its ID
// return nil.
type ID uint32

// Tag is the application PC that is a fragment's immutable identity.
type Tag uintptr

// Flags records the per-fragment state spec.md §3 lists.
type Flags uint8

const (
	FlagShared Flags = 1 << iota
	FlagTrace
	FlagFrozen
	FlagBeingFlushed
)

// ExitState is the link state of one outgoing exit.
type ExitState uint8

const (
	// ExitUnlinked routes to the dispatch stub.
	ExitUnlinked ExitState = iota
	// ExitLinked routes directly into another fragment's entry.
	ExitLinked
)

// Exit is one outgoing control transfer from a fragment, as built by
// pkg/builder and rewritten in place by pkg/linker.
type Exit struct {
	State  ExitState
	Target ID // valid only when State == ExitLinked
}

// IncomingLink is a non-owning back-reference {source fragment, source exit
// index}, used to unlink before eviction (spec.md §3 "Incoming Link").
type IncomingLink struct {
	Source     ID
	ExitIndex  int
}

// Fragment is a record describing one cached basic block or trace.
type Fragment struct {
	Tag   Tag
	ID    ID
	Flags Flags

	// CacheOffset/CacheSize locate the fragment's bytes within its owning
	// cache unit; pkg/cache interprets these against its own unit
	// records.
	UnitID     uint32
	CacheOffset uintptr
	CacheSize   uintptr

	Exits []Exit

	// translation is a *translate.Table but stored as an opaque value
	// here to avoid an import cycle; the builder and the trace emitter
	// attach it via SetTranslation.
	translation any

	// incoming is protected by incomingMu: linker operations (Link,
	// Unlink) and the occasional enumeration during eviction all touch
	// it, and spec.md §5 calls for a short per-fragment critical section
	// rather than a process-wide lock.
	incomingMu sync.Mutex
	incoming   []IncomingLink

	// refCount follows google-gvisor's refs_vfs2.Refs convention: the
	// stored value is refCount-1, so a freshly built fragment with one
	// implicit owner (the fragment table entry) starts at zero.
	refCount int64
}

// New returns a Fragment with one implicit reference (its fragment-table
// entry), matching the refs_vfs2 convention that a zero-value counter means
// one live reference.
func New(id ID, tag Tag, flags Flags) *Fragment {
	return &Fragment{ID: id, Tag: tag, Flags: flags}
}

// SetTranslation attaches a translation table (pkg/translate.Table); stored
// as any to avoid fragment <-> translate import cycle, recovered with
// Translation().
func (f *Fragment) SetTranslation(t any) { f.translation = t }

// Translation returns the previously attached translation table, or nil.
func (f *Fragment) Translation() any { return f.translation }

// ReadRefs returns the current reference count. Racy without external
// synchronization, as in the teacher.
func (f *Fragment) ReadRefs() int64 {
	return atomic.LoadInt64(&f.refCount) + 1
}

// IncRef adds a reference. Panics if the fragment is already at zero live
// references, i.e. being freed.
//
//go:nosplit
func (f *Fragment) IncRef() {
	if v := atomic.AddInt64(&f.refCount, 1); v <= 0 {
		panic("fragment: IncRef on a fragment with no live references")
	}
}

// TryIncRef attempts to acquire a reference without blocking, returning
// false if the fragment has already been fully dereferenced (is being, or
// has been, evicted). Uses gvisor's speculative-reference technique so a
// concurrent lookup racing an eviction never observes a torn state: the
// lookup first speculatively bumps the high 32 bits, then either converts
// that into a real reference or backs it out, without a CAS loop.
//
//go:nosplit
func (f *Fragment) TryIncRef() bool {
	const speculativeRef = 1 << 32
	v := atomic.AddInt64(&f.refCount, speculativeRef)
	if int32(v) < 0 {
		atomic.AddInt64(&f.refCount, -speculativeRef)
		return false
	}
	atomic.AddInt64(&f.refCount, -speculativeRef+1)
	return true
}

// DecRef releases a reference, invoking onZero (if non-nil) exactly once
// when the reference count reaches -1 (i.e. the fragment has no more live
// owners and may be reclaimed by pkg/cache).
//
//go:nosplit
func (f *Fragment) DecRef(onZero func(*Fragment)) {
	if v := atomic.AddInt64(&f.refCount, -1); v < -1 {
		log.Warningf("fragment: DecRef on fragment %d with no live references (count=%d)", f.ID, v)
	} else if v == -1 {
		if onZero != nil {
			onZero(f)
		}
	}
}

// AddIncoming records a new incoming link under the per-fragment lock.
func (f *Fragment) AddIncoming(link IncomingLink) {
	f.incomingMu.Lock()
	f.incoming = append(f.incoming, link)
	f.incomingMu.Unlock()
}

// RemoveIncoming removes the first incoming link matching (source, idx), if
// present.
func (f *Fragment) RemoveIncoming(source ID, idx int) {
	f.incomingMu.Lock()
	defer f.incomingMu.Unlock()
	for i, l := range f.incoming {
		if l.Source == source && l.ExitIndex == idx {
			f.incoming = append(f.incoming[:i], f.incoming[i+1:]...)
			return
		}
	}
}

// Incoming returns a snapshot copy of the current incoming-link list, used
// by the linker's unlink-all-incoming walk (spec.md §4.4).
func (f *Fragment) Incoming() []IncomingLink {
	f.incomingMu.Lock()
	defer f.incomingMu.Unlock()
	out := make([]IncomingLink, len(f.incoming))
	copy(out, f.incoming)
	return out
}
