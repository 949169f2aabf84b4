// Package dispatch implements the engine-side dispatch loop (spec.md §4.9):
// the routine run between fragment exits that decides what to execute next.
// It is deliberately not itself the context-switch (that remains a small
// platform-specific primitive per spec.md §9's "Coroutine-like dispatch"
// note); Loop.Step takes and returns plain application-PC/register records.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"dynacore.dev/dynacore/pkg/builder"
	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/fragtab"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/trace"
)

// Registry resolves a fragment.ID to its Fragment, and knows the entry PC
// of a fragment's cache bytes; satisfied by the slab pkg/engine wires up.
type Registry interface {
	Get(id fragment.ID) *fragment.Fragment
	EntryPC(f *fragment.Fragment) uintptr
}

// Evictor runs the code-cache eviction protocol (spec.md §4.2) when a
// build fails with dynerr.ErrOutOfCache. Kept as an interface so Loop
// doesn't need to know linker/fragtab/synchall wiring details directly.
type Evictor interface {
	EvictOldest(ctx context.Context, partition cache.Partition) error
}

// Loop is the per-thread dispatch routine.
type Loop struct {
	build  *builder.Builder
	shared *fragtab.Shared
	reg    Registry
	evict  Evictor
	tracer *trace.Builder
}

// New returns a Loop wired to the shared subsystems every thread's dispatch
// consults.
func New(build *builder.Builder, shared *fragtab.Shared, reg Registry, evict Evictor, tracer *trace.Builder) *Loop {
	return &Loop{build: build, shared: shared, reg: reg, evict: evict, tracer: tracer}
}

// Next is what Step returns: the fragment to enter and its cache entry PC.
type Next struct {
	Fragment *fragment.Fragment
	EntryPC  uintptr
}

// Step implements one pass of spec.md §4.9's dispatch routine for appPC on
// tc's thread:
//  1. (the appPC is passed in, already read from tc's spill area by the
//     context-switch primitive)
//  2. drain and deliver pending asynchronous events
//  3. look up a fragment (private then shared); build one if absent
//  4. let the trace builder observe this fragment and possibly promote or
//     continue a trace
//  5. return the fragment to context-switch back into
//
// deliverSignal is called once per drained signal, before fragment lookup,
// so its handling can itself request re-dispatch at a different PC (e.g. a
// synchronous fault whose handler longjmps) by returning override=true with
// the new PC.
func (l *Loop) Step(ctx context.Context, tc *thread.Context, appPC uintptr, deliverSignal func(thread.PendingSignal) (overridePC uintptr, override bool)) (Next, error) {
	for _, sig := range tc.DrainSignals() {
		if deliverSignal == nil {
			continue
		}
		if pc, ok := deliverSignal(sig); ok {
			appPC = pc
		}
	}

	tag := fragment.Tag(appPC)

	if f := tc.Private.Lookup(tag); f != nil {
		return l.observeAndEnter(tag, f), nil
	}
	if f := l.shared.Lookup(tag); f != nil {
		if f.TryIncRef() {
			return l.observeAndEnter(tag, f), nil
		}
		// Lost the race with an eviction that just dropped this
		// fragment's last reference; fall through and rebuild.
	}

	f, err := l.buildWithEvictionRetry(ctx, tag, cache.PartitionPrivate)
	if err != nil {
		return Next{}, err
	}
	tc.Private.Insert(tag, f)

	return l.observeAndEnter(tag, f), nil
}

// observeAndEnter feeds a resolved fragment to the trace builder before
// entering it, so hit counts accumulate (spec.md §4.7) and a trace head
// promotion (spec.md §4.9 step 4) can fire regardless of which of Step's
// three resolution paths produced f.
func (l *Loop) observeAndEnter(tag fragment.Tag, f *fragment.Fragment) Next {
	if promoted := l.tracer.Observe(tag, f); promoted != nil {
		return l.enter(promoted)
	}
	return l.enter(f)
}

func (l *Loop) enter(f *fragment.Fragment) Next {
	return Next{Fragment: f, EntryPC: l.reg.EntryPC(f)}
}

// buildWithEvictionRetry implements spec.md §4.1's "out-of-cache triggers
// eviction before retry" and §7's "retry once; if still failing, surface as
// out-of-memory".
func (l *Loop) buildWithEvictionRetry(ctx context.Context, tag fragment.Tag, partition cache.Partition) (*fragment.Fragment, error) {
	f, err := l.build.Build(ctx, tag, partition)
	if err == nil {
		return f, nil
	}
	if !dynerr.IsFatal(err) && isOutOfCache(err) {
		log.Debugf("dispatch: cache full for partition %d, evicting oldest unit", partition)
		if evErr := l.evict.EvictOldest(ctx, partition); evErr != nil {
			return nil, fmt.Errorf("dispatch: eviction failed: %w", evErr)
		}
		f, err = l.build.Build(ctx, tag, partition)
		if err == nil {
			return f, nil
		}
	}
	return nil, err
}

func isOutOfCache(err error) bool {
	return errors.Is(err, dynerr.ErrOutOfCache)
}
