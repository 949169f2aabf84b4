// Package async implements the asynchronous-event redirection subsystem
// (spec.md §4.10): the top-level handler for every signal, exception, or
// callback the engine needs to own, which must translate a cache PC to an
// application PC before the application ever sees it, and must either
// deliver or defer that event without breaking the wrap layer's pre/post
// pairing guarantee.
package async

import (
	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/osfacade"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/translate"
)

// EventKind classifies a delivered asynchronous event. Signal covers both
// POSIX signals and structured (Windows-style) exceptions, since the
// interposer's job is the same for both: locate the fault, translate,
// decide deliver-now vs. defer. ThreadAttach/ThreadDetach supplement the
// Linux signal path with the Windows-family loader-callback notifications
// documented in original_source/core/win32/os.c, giving the `asynch=false`
// config knob (spec.md §6) a concrete pair of events to delay.
type EventKind uint8

const (
	EventKindSignal EventKind = iota
	EventKindThreadAttach
	EventKindThreadDetach
	// EventKindCallbackEntry/Exit model the Windows kernel-callback path
	// of spec.md §4.10 step 3: a kernel-initiated callback entering user
	// code becomes a nested dispatch frame, and its return unwinds it.
	EventKindCallbackEntry
	EventKindCallbackExit
)

// Location classifies where a faulting PC was found, spec.md §4.10 step 1's
// three cases.
type Location uint8

const (
	// LocationApplication: not yet cached, propagate with the original
	// context.
	LocationApplication Location = iota
	// LocationCache: inside a fragment, must be translated.
	LocationCache
	// LocationEngine: either a genuine bug or an expected guarded-probe
	// fault.
	LocationEngine
)

// GuardedRegion marks an address range engine code expects might fault
// (e.g. a guarded read/write probe); a per-thread try-frame is checked
// against this before treating an engine-code fault as fatal (spec.md
// §4.10 step 1 case (c)).
type GuardedRegion struct {
	Start, End uintptr
	// Recover is where execution resumes if the fault lands in [Start,
	// End).
	Recover uintptr
}

// TranslationSource looks up the translation table and entry base for the
// fragment owning a given cache PC.
type TranslationSource interface {
	TableAndBaseFor(cachePC uintptr) (tbl *translate.Table, unitBase uintptr, fragCacheStart uintptr, appBase uintptr, ok bool)
}

// Interposer routes delivered events to translation, deferral, or the
// application's own handler.
type Interposer struct {
	cacheSet *cache.Cache
	src      TranslationSource

	guards []GuardedRegion
}

// New returns an Interposer consulting cacheSet and src for location
// classification and translation.
func New(cacheSet *cache.Cache, src TranslationSource) *Interposer {
	return &Interposer{cacheSet: cacheSet, src: src}
}

// AddGuardedRegion registers a region of engine code expected to fault
// (spec.md §4.10 step 1 case (c), "a per-thread try-frame catches it").
func (i *Interposer) AddGuardedRegion(g GuardedRegion) {
	i.guards = append(i.guards, g)
}

// Classify implements spec.md §4.10 step 1: given the faulting PC, decide
// which of the three cases applies.
func (i *Interposer) Classify(pc uintptr) Location {
	if i.cacheSet.UnitForPC(pc) != nil {
		return LocationCache
	}
	for _, g := range i.guards {
		if pc >= g.Start && pc < g.End {
			return LocationEngine
		}
	}
	// Engine code is recognized only through registered guarded regions;
	// Classify has no other record of engine code ranges. Any PC that is
	// neither in the cache nor in a guard is therefore treated as
	// application code not yet cached (case (a)), including a PC in
	// unguarded engine code.
	return LocationApplication
}

// Disposition is what Deliver decided to do with an event.
type Disposition uint8

const (
	// DispositionPropagate: hand the (possibly translated) context to
	// the application's handler right now.
	DispositionPropagate Disposition = iota
	// DispositionDefer: queue the event on the thread and let dispatch
	// drain it at the next safe point.
	DispositionDefer
	// DispositionRecover: rewrite the saved PC to a guarded region's
	// Recover address and resume; not a user-visible event at all.
	DispositionRecover
	// DispositionFatal: an unrecovered engine-code fault (spec.md §4.10
	// step 1 case (c), "a genuine engine bug (fatal)").
	DispositionFatal
)

// Synchronous reports whether an EventKind is fault-like (delivered
// immediately when possible) as opposed to asynchronous (always eligible
// for deferral). Spec.md §4.10 step 1(b) conditions delivery timing on
// this distinction.
func Synchronous(kind EventKind) bool {
	return kind == EventKindSignal
}

// Deliver runs spec.md §4.10's decision procedure for one event observed at
// pc on tc's thread. asyncOK reports whether deferral is acceptable for
// this event (true for genuinely asynchronous signals; for a synchronous
// fault, the caller should pass false so Deliver always resolves to
// Propagate or Recover rather than queuing something the application is
// blocked waiting to see).
func (i *Interposer) Deliver(tc *thread.Context, kind EventKind, rec osfacade.ExceptionRecord, pc uintptr, asyncOK bool) (Disposition, *translate.Result, error) {
	switch i.Classify(pc) {
	case LocationApplication:
		return DispositionPropagate, nil, nil

	case LocationCache:
		tbl, unitBase, fragStart, appBase, ok := i.src.TableAndBaseFor(pc)
		if !ok {
			return DispositionFatal, nil, dynerr.Fatal("async: cache PC without a resolvable fragment", nil)
		}
		cacheOffset := pc - unitBase - fragStart
		boundary, err := tbl.NearestRestartable(cacheOffset, Synchronous(kind))
		if err != nil {
			return DispositionFatal, nil, dynerr.Fatal("async: translation failure with no recorded boundary", err)
		}
		result, err := translate.Translate(tbl, boundary, appBase, nil, tc)
		if err != nil {
			return DispositionFatal, nil, dynerr.Fatal("async: translate after boundary adjust", err)
		}
		if !asyncOK || Synchronous(kind) {
			return DispositionPropagate, &result, nil
		}
		tc.QueueSignal(thread.PendingSignal{Rec: rec})
		log.Debugf("async: deferred event kind=%d to app pc=%#x", kind, result.AppPC)
		return DispositionDefer, &result, nil

	case LocationEngine:
		for _, g := range i.guards {
			if pc >= g.Start && pc < g.End {
				return DispositionRecover, nil, nil
			}
		}
		return DispositionFatal, nil, dynerr.Fatal("async: fault in unguarded engine code", nil)
	}
	return DispositionFatal, nil, dynerr.Fatal("async: unreachable classification", nil)
}
