package async

import (
	"context"
	"errors"
	"testing"

	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/internal/fakefacade"
	"dynacore.dev/dynacore/pkg/osfacade"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/translate"
)

// fakeSource is a fixed-answer async.TranslationSource, standing in for
// pkg/engine's asyncSource so pkg/async can be tested without pkg/engine
// (which itself depends on pkg/async, so a direct import would cycle).
type fakeSource struct {
	tbl                          *translate.Table
	unitBase, fragStart, appBase uintptr
	ok                           bool
}

func (f fakeSource) TableAndBaseFor(cachePC uintptr) (*translate.Table, uintptr, uintptr, uintptr, bool) {
	return f.tbl, f.unitBase, f.fragStart, f.appBase, f.ok
}

func oneIntervalTable() *translate.Table {
	t := translate.NewBuilder()
	t.Append(translate.Interval{CacheStart: 0, CacheEnd: 16, AppOffset: 0, Restartable: []uintptr{0}})
	return t
}

func TestClassifyApplicationWhenNotInCacheOrGuard(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	i := New(c, fakeSource{})
	if got := i.Classify(0x1000); got != LocationApplication {
		t.Fatalf("Classify = %v, want LocationApplication", got)
	}
}

func TestClassifyCacheWhenPCInsideAUnit(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	unit, off, err := c.Reserve(context.Background(), cache.PartitionPrivate, 64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	i := New(c, fakeSource{})
	pc := unit.Base() + off + 5
	if got := i.Classify(pc); got != LocationCache {
		t.Fatalf("Classify(%#x) = %v, want LocationCache", pc, got)
	}
}

func TestClassifyEngineWhenPCInsideGuardedRegion(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	i := New(c, fakeSource{})
	i.AddGuardedRegion(GuardedRegion{Start: 0x9000, End: 0x9010, Recover: 0x9020})
	if got := i.Classify(0x9005); got != LocationEngine {
		t.Fatalf("Classify(0x9005) = %v, want LocationEngine", got)
	}
}

func TestDeliverApplicationLocationPropagatesUntranslated(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	i := New(c, fakeSource{})
	tc := thread.New(1, 0)

	disp, result, err := i.Deliver(tc, EventKindSignal, osfacade.ExceptionRecord{}, 0x1000, true)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if disp != DispositionPropagate {
		t.Fatalf("disposition = %v, want DispositionPropagate", disp)
	}
	if result != nil {
		t.Fatalf("result = %+v, want nil (application code is not translated)", result)
	}
}

func TestDeliverSynchronousCacheFaultAlwaysPropagatesEvenIfAsyncOK(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	unit, off, err := c.Reserve(context.Background(), cache.PartitionPrivate, 64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	pc := unit.Base() + off + 5
	src := fakeSource{tbl: oneIntervalTable(), unitBase: unit.Base(), fragStart: off, appBase: 0x4000, ok: true}
	i := New(c, src)
	tc := thread.New(1, 0)

	disp, result, err := i.Deliver(tc, EventKindSignal, osfacade.ExceptionRecord{}, pc, true)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if disp != DispositionPropagate {
		t.Fatalf("disposition = %v, want DispositionPropagate for a synchronous fault", disp)
	}
	if result == nil || result.AppPC != 0x4000 {
		t.Fatalf("result = %+v, want AppPC 0x4000", result)
	}
	if len(tc.DrainSignals()) != 0 {
		t.Fatalf("a synchronous fault queued a pending signal; it must be delivered immediately")
	}
}

func TestDeliverAsynchronousCacheEventDefersAndQueues(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	unit, off, err := c.Reserve(context.Background(), cache.PartitionPrivate, 64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	pc := unit.Base() + off + 5
	src := fakeSource{tbl: oneIntervalTable(), unitBase: unit.Base(), fragStart: off, appBase: 0x4000, ok: true}
	i := New(c, src)
	tc := thread.New(1, 0)

	disp, result, err := i.Deliver(tc, EventKindThreadAttach, osfacade.ExceptionRecord{}, pc, true)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if disp != DispositionDefer {
		t.Fatalf("disposition = %v, want DispositionDefer for an asynchronous event", disp)
	}
	if result == nil {
		t.Fatalf("deferred delivery returned a nil result; dispatch needs the translated PC to requeue later")
	}
	pending := tc.DrainSignals()
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 queued signal", len(pending))
	}
}

func TestDeliverCacheLocationWithUnresolvableFragmentIsFatal(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	unit, off, err := c.Reserve(context.Background(), cache.PartitionPrivate, 64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	pc := unit.Base() + off + 5
	i := New(c, fakeSource{ok: false})
	tc := thread.New(1, 0)

	disp, _, err := i.Deliver(tc, EventKindSignal, osfacade.ExceptionRecord{}, pc, true)
	if disp != DispositionFatal {
		t.Fatalf("disposition = %v, want DispositionFatal", disp)
	}
	if !dynerr.IsFatal(err) {
		t.Fatalf("err = %v, want a fatal error", err)
	}
}

func TestDeliverEngineLocationInsideGuardRecovers(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 4)
	i := New(c, fakeSource{})
	i.AddGuardedRegion(GuardedRegion{Start: 0x9000, End: 0x9010, Recover: 0x9020})
	tc := thread.New(1, 0)

	disp, result, err := i.Deliver(tc, EventKindSignal, osfacade.ExceptionRecord{}, 0x9005, true)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if disp != DispositionRecover {
		t.Fatalf("disposition = %v, want DispositionRecover", disp)
	}
	if result != nil {
		t.Fatalf("result = %+v, want nil for a guarded-probe recovery", result)
	}
}

func TestSynchronousClassifiesSignalAsSynchronousAndOthersAsAsync(t *testing.T) {
	if !Synchronous(EventKindSignal) {
		t.Fatalf("Synchronous(EventKindSignal) = false, want true")
	}
	for _, k := range []EventKind{EventKindThreadAttach, EventKindThreadDetach, EventKindCallbackEntry, EventKindCallbackExit} {
		if Synchronous(k) {
			t.Fatalf("Synchronous(%v) = true, want false", k)
		}
	}
}

func TestNearestRestartableUnreachableWithoutTableIsNotConfused(t *testing.T) {
	// Sanity check that an empty table produces ErrTranslationFailure
	// rather than a panic, since Deliver's fatal path depends on it.
	empty := translate.NewBuilder()
	if _, err := empty.NearestRestartable(0, true); !errors.Is(err, dynerr.ErrTranslationFailure) {
		t.Fatalf("NearestRestartable on an empty table = %v, want ErrTranslationFailure", err)
	}
}
