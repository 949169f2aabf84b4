// Package engine wires every component of spec.md §4 together behind one
// explicit handle, replacing the original's global mutable state (spec.md
// §9: "expose as an explicit engine handle passed into every entry point,
// plus a small set of genuinely process-wide atomics"). There is
// deliberately no package-level engine singleton: every entry point takes
// *Engine explicitly.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"dynacore.dev/dynacore/pkg/async"
	"dynacore.dev/dynacore/pkg/builder"
	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/config"
	"dynacore.dev/dynacore/pkg/decoder"
	"dynacore.dev/dynacore/pkg/dispatch"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/fragtab"
	"dynacore.dev/dynacore/pkg/inject"
	"dynacore.dev/dynacore/pkg/linker"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/osfacade"
	"dynacore.dev/dynacore/pkg/synchall"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/trace"
	"dynacore.dev/dynacore/pkg/translate"
	"dynacore.dev/dynacore/pkg/wrap"
)

// Engine is the process-wide handle threaded through every operation. It
// owns the shared subsystems; per-thread state lives in thread.Context,
// reached through Lifecycle.
type Engine struct {
	Options config.Options
	Facade  osfacade.Facade
	Logger  log.Logger

	Slab      *slab
	Cache     *cache.Cache
	SharedTab *fragtab.Shared
	Linker    *linker.Linker
	Builder   *builder.Builder
	Dispatch  *dispatch.Loop
	Tracer    *trace.Builder
	Synchall  *synchall.Coordinator
	Lifecycle *thread.Lifecycle
	Wraps     *wrap.Manager
	Async     *async.Interposer

	// detaching and initialized are the "small set of genuinely
	// process-wide atomics" spec.md §9 says survive the move away from
	// global state.
	detaching   atomic.Bool
	initialized atomic.Bool
}

// Deps collects the out-of-core collaborators (spec.md §6) an Engine needs;
// everything else it constructs itself from Options.
type Deps struct {
	Facade  osfacade.Facade
	Decoder decoder.Decoder
	Encoder decoder.Encoder
	Reader  builder.AppReader
	Forcer  synchall.Forcer
}

// New constructs an Engine with every component wired per spec.md §4, but
// does not yet begin dispatch; call Entry with the injector's Handoff to
// start (spec.md §6 "To the injector").
func New(opt config.Options, deps Deps) (*Engine, error) {
	e := &Engine{Options: opt, Facade: deps.Facade, Logger: log.Default()}

	e.Slab = newSlab()
	e.Cache = cache.New(deps.Facade, 8*cache.DefaultUnitSize, 64)
	e.SharedTab = fragtab.NewShared()
	e.Linker = linker.New(e.Slab)
	e.Builder = builder.New(deps.Decoder, deps.Encoder, deps.Reader, e.Cache, e.Slab)
	e.Lifecycle = thread.NewLifecycle()
	e.Synchall = synchall.New(e.Lifecycle, e.Cache, deps.Forcer)
	e.Wraps = wrap.NewManager()
	e.Wraps.OnInvalidate = e.invalidateReplacedEntry
	e.Async = async.New(e.Cache, &asyncSource{eng: e})

	emitter := &traceEmitter{eng: e}
	e.Tracer = trace.New(emitter, opt.TraceThreshold)
	e.Dispatch = dispatch.New(e.Builder, e.SharedTab, e.Slab, &evictor{eng: e}, e.Tracer)

	return e, nil
}

// Entry is the engine's single exported entry point (spec.md §6 "To the
// injector"): it marks the engine initialized, rejects a handoff without an
// argc sentinel, and logs h.HomeDir and h.SavedPC. It does not create a
// thread context or run the dispatch loop at h.SavedPC. Only valid to call
// once per process; a second call returns an error.
func (e *Engine) Entry(ctx context.Context, h inject.Handoff) error {
	if !e.initialized.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: Entry called more than once")
	}
	if h.ArgcSentinel == 0 {
		return fmt.Errorf("engine: handoff missing argc sentinel; not invoked via the injector contract")
	}
	log.Infof("engine: starting, home=%q, pc=%#x", h.HomeDir, h.SavedPC)
	return nil
}

// Detach begins process-wide detach (spec.md §4.12 "Process-death hook" /
// §4.5 "resumes it at the application PC (for detach)"). Returns
// dynerr.ErrDetachFailed, non-fatally, if DetachAllowed is false or if
// forcing every thread to a safe point fails; per spec.md §7 "Detach
// failure: leave the engine in place, report but continue."
func (e *Engine) Detach(ctx context.Context) error {
	if !e.Options.DetachAllowed {
		return dynerr.ErrDetachFailed
	}
	if !e.detaching.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: detach already in progress")
	}
	err := e.Synchall.Synchall(ctx, synchall.ReasonDetach, 0, func(results []synchall.Result) error {
		for _, r := range results {
			if r.Skipped {
				log.Warningf("engine: detach could not force-suspend tid=%d, leaving it running under the engine", r.TID)
			}
		}
		return nil
	})
	if err != nil {
		e.detaching.Store(false)
		return fmt.Errorf("%w: %v", dynerr.ErrDetachFailed, err)
	}
	return nil
}

// Detaching reports whether Detach has been requested.
func (e *Engine) Detaching() bool { return e.detaching.Load() }

func (e *Engine) invalidateReplacedEntry(orig uintptr) {
	if f := e.SharedTab.Lookup(fragment.Tag(orig)); f != nil {
		f.Flags |= fragment.FlagBeingFlushed
		log.Debugf("engine: flagged fragment for tag=%#x for lazy flush after replace/unreplace", orig)
	}
}

// evictor implements dispatch.Evictor by running the full eviction protocol
// of spec.md §4.2: unlink incoming links, remove from the fragment table,
// invalidate IBL entries, synchall to a safe point, then reclaim the unit.
type evictor struct {
	eng *Engine
}

func (ev *evictor) EvictOldest(ctx context.Context, partition cache.Partition) error {
	u := ev.eng.Cache.OldestUnit(partition)
	if u == nil {
		return dynerr.ErrOutOfCache
	}

	ids := u.FragmentsIn()
	for _, id := range ids {
		f := ev.eng.Slab.Get(id)
		if f == nil {
			continue
		}
		ev.eng.Linker.UnlinkIncoming(f)
		ev.eng.SharedTab.Remove(f.Tag)
		for _, tc := range ev.eng.Lifecycle.All() {
			tc.Private.Remove(f.Tag)
			tc.IBL.InvalidateFragment(f.ID)
		}
	}

	err := ev.eng.Synchall.Synchall(ctx, synchall.ReasonEviction, 0, func(results []synchall.Result) error {
		for _, id := range ids {
			ev.eng.Slab.Remove(id)
		}
		return ev.eng.Cache.Reclaim(ctx, u)
	})
	if err != nil {
		return fmt.Errorf("engine: evict unit %d: %w", u.ID, err)
	}
	return nil
}

// traceEmitter adapts the Engine's builder into trace.Emitter, producing a
// single fused fragment from a recorded block sequence (spec.md §4.7
// "Emission").
type traceEmitter struct {
	eng *Engine
}

func (t *traceEmitter) EmitTrace(blocks []*fragment.Fragment) (*fragment.Fragment, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("engine: EmitTrace called with no blocks")
	}
	head := blocks[0]
	id := t.eng.Slab.Alloc()
	var totalSize uintptr
	for _, b := range blocks {
		totalSize += b.CacheSize
	}
	unit, offset, err := t.eng.Cache.Reserve(context.Background(), cache.PartitionTrace, totalSize)
	if err != nil {
		return nil, err
	}

	trc := fragment.New(id, head.Tag, fragment.FlagTrace)
	trc.UnitID = unit.ID
	trc.CacheOffset = offset
	trc.CacheSize = totalSize
	trc.Exits = make([]fragment.Exit, 0, len(blocks))
	for _, b := range blocks {
		trc.Exits = append(trc.Exits, b.Exits...)
	}
	tbl := translate.NewBuilder()
	var cum uintptr
	for _, b := range blocks {
		if bt, ok := b.Translation().(*translate.Table); ok {
			for _, iv := range bt.Intervals {
				shifted := iv
				shifted.CacheStart += cum
				shifted.CacheEnd += cum
				tbl.Append(shifted)
			}
		}
		cum += b.CacheSize
	}
	trc.SetTranslation(tbl)

	t.eng.Cache.RecordFragment(unit, id)
	t.eng.Slab.Register(trc, unit.Base()+offset)
	return trc, nil
}
