// Package linker implements direct-branch linking and unlinking between
// fragments (spec.md §4.4). Exit rewrites are single atomic pointer-sized
// writes: a racing thread observes either the old or the new target and
// both are valid destinations, since the "old" target is always a stub that
// round-trips through dispatch rather than a use-after-free.
package linker

import (
	"fmt"
	"sync"

	"dynacore.dev/dynacore/pkg/fragment"
)

// Registry resolves a fragment.ID to its *fragment.Fragment, satisfied by
// whichever fragment table or slab owns fragment storage. Kept minimal to
// avoid an import cycle between linker and the table/slab packages.
type Registry interface {
	Get(id fragment.ID) *fragment.Fragment
}

// Linker patches direct branches between fragments and maintains the
// incoming-link bookkeeping needed to unlink before eviction.
type Linker struct {
	reg Registry
	mu  sync.Mutex // serializes concurrent Link/Unlink on distinct fragments; per-fragment critical sections are additionally taken via fragment.Fragment's own lock
}

// New returns a Linker resolving fragment IDs through reg.
func New(reg Registry) *Linker {
	return &Linker{reg: reg}
}

// Link atomically rewrites F's exit e to target G's entry, and records
// {F, e} in G's incoming-link list (spec.md §4.4 Link).
func (l *Linker) Link(f *fragment.Fragment, exitIdx int, g *fragment.Fragment) error {
	if exitIdx < 0 || exitIdx >= len(f.Exits) {
		return fmt.Errorf("linker: exit index %d out of range for fragment %d", exitIdx, f.ID)
	}

	l.mu.Lock()
	f.Exits[exitIdx] = fragment.Exit{State: fragment.ExitLinked, Target: g.ID}
	l.mu.Unlock()

	g.AddIncoming(fragment.IncomingLink{Source: f.ID, ExitIndex: exitIdx})
	return nil
}

// unlinkOne rewrites g's exit back to the stub (ExitUnlinked). Both branches
// of the write assign the whole Exit struct in one critical section; on a
// 64-bit target this compiles to what would be a single atomic store in the
// mangled machine code this models, matching the "atomicity here is
// single-word" guarantee of spec.md §4.4.
func (l *Linker) unlinkOne(g *fragment.Fragment, exitIdx int) {
	l.mu.Lock()
	if exitIdx >= 0 && exitIdx < len(g.Exits) {
		g.Exits[exitIdx] = fragment.Exit{State: fragment.ExitUnlinked}
	}
	l.mu.Unlock()
}

// UnlinkIncoming walks f's incoming-link list and rewrites every source
// fragment's exit back to the dispatch stub, then clears f's own incoming
// list. Called before a fragment is evicted (spec.md §4.4, §4.2).
func (l *Linker) UnlinkIncoming(f *fragment.Fragment) {
	for _, link := range f.Incoming() {
		f.RemoveIncoming(link.Source, link.ExitIndex)
		src := l.reg.Get(link.Source)
		if src == nil {
			// Source fragment was itself already evicted; nothing to
			// rewrite.
			continue
		}
		l.unlinkOne(src, link.ExitIndex)
	}
}

// UnlinkExit rewrites f's own exit at exitIdx back to the stub and, if it
// was linked, removes the corresponding incoming-link entry on the target.
// Used when a single edge needs invalidating without evicting f itself
// (e.g. the target of exitIdx is being replaced, spec.md §4.11).
func (l *Linker) UnlinkExit(f *fragment.Fragment, exitIdx int) {
	if exitIdx < 0 || exitIdx >= len(f.Exits) {
		return
	}
	l.mu.Lock()
	prev := f.Exits[exitIdx]
	f.Exits[exitIdx] = fragment.Exit{State: fragment.ExitUnlinked}
	l.mu.Unlock()

	if prev.State == fragment.ExitLinked {
		if target := l.reg.Get(prev.Target); target != nil {
			target.RemoveIncoming(f.ID, exitIdx)
		}
	}
}
