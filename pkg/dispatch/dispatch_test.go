package dispatch

import (
	"context"
	"testing"

	"dynacore.dev/dynacore/pkg/builder"
	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/decoder"
	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/fragtab"
	"dynacore.dev/dynacore/pkg/internal/fakefacade"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/trace"
)

// fakeInstr is a single-byte instruction that always terminates a block as
// a direct branch, keeping the builder's decode loop trivial to drive.
type fakeInstr struct{}

func (fakeInstr) Kind() decoder.Kind                  { return decoder.KindDirectBranch }
func (fakeInstr) Length() int                         { return 1 }
func (fakeInstr) PCRelative() bool                     { return false }
func (fakeInstr) BranchTarget() (uintptr, bool)        { return 0, false }
func (fakeInstr) ReadRegs() []decoder.Reg              { return nil }
func (fakeInstr) WriteRegs() []decoder.Reg             { return nil }

type fakeDecoder struct{}

func (fakeDecoder) Decode(bytes []byte, maxLen int) (decoder.Instr, int, error) {
	return fakeInstr{}, 1, nil
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(instr decoder.Instr, dst []byte) (int, error) {
	dst[0] = 0x90
	return 1, nil
}

type fakeReader struct{}

func (fakeReader) ReadApp(addr uintptr, max int) ([]byte, error) {
	return make([]byte, 16), nil
}

type fakeIDs struct {
	next  fragment.ID
	byID  map[fragment.ID]*fragment.Fragment
	entry map[fragment.ID]uintptr
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{byID: make(map[fragment.ID]*fragment.Fragment), entry: make(map[fragment.ID]uintptr)}
}

func (f *fakeIDs) Alloc() fragment.ID {
	f.next++
	return f.next
}

func (f *fakeIDs) Register(fr *fragment.Fragment, entryPC uintptr) {
	f.byID[fr.ID] = fr
	f.entry[fr.ID] = entryPC
}

func (f *fakeIDs) Get(id fragment.ID) *fragment.Fragment { return f.byID[id] }
func (f *fakeIDs) EntryPC(fr *fragment.Fragment) uintptr { return f.entry[fr.ID] }

type noopEvictor struct{ called bool }

func (e *noopEvictor) EvictOldest(ctx context.Context, partition cache.Partition) error {
	e.called = true
	return nil
}

type noopEmitter struct{}

func (noopEmitter) EmitTrace(blocks []*fragment.Fragment) (*fragment.Fragment, error) {
	return blocks[0], nil
}

func newTestLoop(t *testing.T) (*Loop, *fakeIDs) {
	t.Helper()
	c := cache.New(fakefacade.New(0), 0, 64)
	ids := newFakeIDs()
	b := builder.New(fakeDecoder{}, fakeEncoder{}, fakeReader{}, c, ids)
	shared := fragtab.NewShared()
	tracer := trace.New(noopEmitter{}, 1000) // high threshold: never promotes mid-test
	loop := New(b, shared, ids, &noopEvictor{}, tracer)
	return loop, ids
}

func TestStepBuildsAndCachesPrivateFragment(t *testing.T) {
	loop, _ := newTestLoop(t)
	tc := thread.New(1, 4096)

	next, err := loop.Step(context.Background(), tc, 0x1000, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if next.Fragment == nil {
		t.Fatalf("Step returned a nil fragment")
	}

	// Second call for the same tag should hit the now-populated private
	// table rather than building again.
	if got := tc.Private.Lookup(fragment.Tag(0x1000)); got != next.Fragment {
		t.Fatalf("private table does not contain the built fragment")
	}
	next2, err := loop.Step(context.Background(), tc, 0x1000, nil)
	if err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if next2.Fragment != next.Fragment {
		t.Fatalf("second Step built a new fragment instead of reusing the private-table hit")
	}
}

func TestStepDrainsAndDeliversPendingSignals(t *testing.T) {
	loop, _ := newTestLoop(t)
	tc := thread.New(1, 4096)
	tc.QueueSignal(thread.PendingSignal{})

	var delivered int
	next, err := loop.Step(context.Background(), tc, 0x2000, func(sig thread.PendingSignal) (uintptr, bool) {
		delivered++
		return 0x3000, true
	})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("deliverSignal called %d times, want 1", delivered)
	}
	if got := tc.Private.Lookup(fragment.Tag(0x3000)); got != next.Fragment {
		t.Fatalf("Step did not honor the overridden PC from deliverSignal")
	}
}

func TestStepObservesBuildAndPrivateTableHitsTowardPromotion(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 64)
	ids := newFakeIDs()
	b := builder.New(fakeDecoder{}, fakeEncoder{}, fakeReader{}, c, ids)
	shared := fragtab.NewShared()
	tracer := trace.New(noopEmitter{}, 2) // promotes to trace-head on the 2nd hit
	loop := New(b, shared, ids, &noopEvictor{}, tracer)
	tc := thread.New(1, 4096)

	// First Step builds the fragment (hit 1); the head is still cold, so
	// recording cannot begin yet.
	if _, err := loop.Step(context.Background(), tc, 0x5000, nil); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	if tracer.TryBeginRecording(fragment.Tag(0x5000), 1) {
		t.Fatalf("TryBeginRecording succeeded after only 1 hit, want the threshold unmet")
	}

	// Second Step hits the now-populated private table. If Step only fed
	// the build path to Observe, this hit would never be counted and the
	// head would never warm into a trace-head.
	if _, err := loop.Step(context.Background(), tc, 0x5000, nil); err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if !tracer.TryBeginRecording(fragment.Tag(0x5000), 1) {
		t.Fatalf("TryBeginRecording failed after 2 hits, want the private-table hit to have been observed and promoted the head to trace-head")
	}
}

func TestStepObservesSharedTableHitTowardPromotion(t *testing.T) {
	c := cache.New(fakefacade.New(0), 0, 64)
	ids := newFakeIDs()
	b := builder.New(fakeDecoder{}, fakeEncoder{}, fakeReader{}, c, ids)
	shared := fragtab.NewShared()
	tracer := trace.New(noopEmitter{}, 2)
	loop := New(b, shared, ids, &noopEvictor{}, tracer)
	tc := thread.New(1, 4096)

	f := fragment.New(ids.Alloc(), 0x6000, fragment.FlagShared)
	ids.Register(f, 0xBEEF)
	loop.shared.Insert(0x6000, f)

	// Two Step calls both resolve via the shared-table path (TryIncRef),
	// never the build path, so both hits must still reach Observe.
	if _, err := loop.Step(context.Background(), tc, 0x6000, nil); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	if _, err := loop.Step(context.Background(), tc, 0x6000, nil); err != nil {
		t.Fatalf("second Step: %v", err)
	}
	if !tracer.TryBeginRecording(fragment.Tag(0x6000), 1) {
		t.Fatalf("TryBeginRecording failed after 2 shared-table hits, want the head promoted to trace-head")
	}
}

func TestStepUsesSharedTableWithReferenceCounting(t *testing.T) {
	loop, ids := newTestLoop(t)
	tc := thread.New(1, 4096)

	f := fragment.New(ids.Alloc(), 0x4000, fragment.FlagShared)
	ids.Register(f, 0xABCD)
	loop.shared.Insert(0x4000, f)

	next, err := loop.Step(context.Background(), tc, 0x4000, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if next.Fragment != f {
		t.Fatalf("Step did not resolve the shared-table fragment")
	}
	if got := f.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2 after TryIncRef via shared lookup", got)
	}
}
