// Package translate implements the per-fragment translation table (spec.md
// §4.6): a sorted list of cache-offset intervals, each carrying the
// corresponding application offset and a register-restore recipe. pkg/async
// uses it to translate asynchronous events; pkg/synchall uses only its
// RegisterSnapshot type and does not translate.
package translate

import (
	"fmt"
	"sort"

	"dynacore.dev/dynacore/pkg/decoder"
	"dynacore.dev/dynacore/pkg/dynerr"
)

// RecipeOp says where one architectural register's application-time value
// currently lives at a given point in the mangled cache code.
type RecipeOp struct {
	Reg decoder.Reg
	// Kind selects how to interpret Value/SpillSlot.
	Kind RecipeKind
	// SpillSlot is a per-thread-context spill-area offset, valid when
	// Kind == RecipeSpilled.
	SpillSlot uintptr
	// Value is a constant application-time value, valid when
	// Kind == RecipeConstant.
	Value uintptr
	// FromReg is the machine register currently holding the value, valid
	// when Kind == RecipeInRegister.
	FromReg decoder.Reg
}

// RecipeKind distinguishes where a register's live application value is.
type RecipeKind uint8

const (
	// RecipeInRegister means the value is in FromReg right now (possibly
	// the same architectural register, possibly a different one if the
	// mangling sequence shuffled registers).
	RecipeInRegister RecipeKind = iota
	// RecipeSpilled means the value was written to the per-thread spill
	// area at SpillSlot.
	RecipeSpilled
	// RecipeConstant means the value is known statically (e.g. a
	// synthesized return address) and never touched memory or a
	// register.
	RecipeConstant
)

// Recipe is the small program translate uses to reconstruct application
// register state from a cache-time machine snapshot.
type Recipe []RecipeOp

// Interval maps one contiguous cache-offset range, within one fragment, to
// an application offset and a recipe (spec.md §3 "Translation Entry").
type Interval struct {
	// CacheStart/CacheEnd bound the range [CacheStart, CacheEnd) within
	// the fragment's cache bytes.
	CacheStart, CacheEnd uintptr
	AppOffset            uintptr
	Recipe               Recipe
	// Restartable marks cache offsets within this interval that are safe
	// translation boundaries; spec.md §4.6 requires every mangling
	// sequence to pre-choose and record such boundaries so a translation
	// that lands mid-sequence can advance or rewind to one.
	Restartable []uintptr
}

// Table is one fragment's translation table: Intervals sorted by
// CacheStart, searched by binary search (spec.md §4.6).
type Table struct {
	Intervals []Interval
}

// NewBuilder returns an empty Table ready to accumulate intervals as the
// fragment builder (pkg/builder) emits mangled code in parallel with cache
// bytes (spec.md §4.1 step 4).
func NewBuilder() *Table { return &Table{} }

// Append records one more interval. Callers must append in increasing
// CacheStart order, matching emission order; Finish will verify this.
func (t *Table) Append(iv Interval) {
	t.Intervals = append(t.Intervals, iv)
}

// Finish validates that intervals are sorted and non-overlapping, readying
// the table for binary search.
func (t *Table) Finish() error {
	for i := 1; i < len(t.Intervals); i++ {
		if t.Intervals[i].CacheStart < t.Intervals[i-1].CacheEnd {
			return fmt.Errorf("translate: overlapping intervals at index %d", i)
		}
	}
	return nil
}

// Lookup finds the interval enclosing cacheOffset via binary search.
func (t *Table) Lookup(cacheOffset uintptr) (*Interval, bool) {
	intervals := t.Intervals
	i := sort.Search(len(intervals), func(i int) bool {
		return intervals[i].CacheEnd > cacheOffset
	})
	if i >= len(intervals) || cacheOffset < intervals[i].CacheStart {
		return nil, false
	}
	return &intervals[i], true
}

// NearestRestartable returns the restartable boundary nearest to
// cacheOffset within the enclosing interval, preferring rewinding (the
// lower boundary) since application-visible side effects before a boundary
// are usually benign to re-run for a fault-like synchronous event, while a
// boundary after is used when the caller (e.g. an async, already-committed
// event) cannot safely rewind. Returns ErrTranslationFailure if the
// interval has no recorded boundary at all, which spec.md §7 says means the
// engine is in a bug state.
func (t *Table) NearestRestartable(cacheOffset uintptr, preferRewind bool) (uintptr, error) {
	iv, ok := t.Lookup(cacheOffset)
	if !ok {
		return 0, dynerr.ErrTranslationFailure
	}
	if len(iv.Restartable) == 0 {
		return 0, dynerr.ErrTranslationFailure
	}
	if preferRewind {
		best := iv.Restartable[0]
		for _, b := range iv.Restartable {
			if b <= cacheOffset && b > best {
				best = b
			}
		}
		return best, nil
	}
	best := iv.Restartable[len(iv.Restartable)-1]
	for _, b := range iv.Restartable {
		if b >= cacheOffset && b < best {
			best = b
		}
	}
	return best, nil
}

// RegisterSnapshot is the machine register state observed at a cache PC,
// keyed by decoder.Reg.
type RegisterSnapshot map[decoder.Reg]uintptr

// SpillReader reads a value out of a thread's spill area, satisfied by
// pkg/thread's per-thread context.
type SpillReader interface {
	ReadSpill(slot uintptr) uintptr
}

// Result is a fully reconstructed application PC and register snapshot.
type Result struct {
	AppPC     uintptr
	Registers RegisterSnapshot
}

// Translate reconstructs application state from cacheOffset and the current
// machine snapshot, applying the enclosing interval's recipe (spec.md
// §4.6). If cacheOffset does not land on a restartable boundary, it is the
// caller's responsibility to have first adjusted it via NearestRestartable;
// Translate itself does not rewind.
func Translate(t *Table, cacheOffset uintptr, appBase uintptr, snapshot RegisterSnapshot, spill SpillReader) (Result, error) {
	iv, ok := t.Lookup(cacheOffset)
	if !ok {
		return Result{}, dynerr.ErrTranslationFailure
	}
	regs := make(RegisterSnapshot, len(iv.Recipe))
	for _, op := range iv.Recipe {
		switch op.Kind {
		case RecipeInRegister:
			regs[op.Reg] = snapshot[op.FromReg]
		case RecipeSpilled:
			regs[op.Reg] = spill.ReadSpill(op.SpillSlot)
		case RecipeConstant:
			regs[op.Reg] = op.Value
		}
	}
	return Result{AppPC: appBase + iv.AppOffset, Registers: regs}, nil
}
