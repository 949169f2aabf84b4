package trace

import (
	"errors"
	"testing"

	"dynacore.dev/dynacore/pkg/fragment"
)

type fakeEmitter struct {
	fail bool
	got  []*fragment.Fragment
}

func (e *fakeEmitter) EmitTrace(blocks []*fragment.Fragment) (*fragment.Fragment, error) {
	if e.fail {
		return nil, errors.New("emit failed")
	}
	e.got = blocks
	return fragment.New(999, blocks[0].Tag, fragment.FlagTrace), nil
}

func TestObservePromotesToTraceHeadAtThreshold(t *testing.T) {
	e := &fakeEmitter{}
	b := New(e, 3)
	tag := fragment.Tag(0x1000)
	f := fragment.New(1, tag, 0)

	for i := 0; i < 2; i++ {
		b.Observe(tag, f)
	}
	if b.TryBeginRecording(tag, 1) {
		t.Fatalf("TryBeginRecording succeeded before threshold was reached")
	}

	b.Observe(tag, f) // third hit reaches threshold
	if !b.TryBeginRecording(tag, 1) {
		t.Fatalf("TryBeginRecording failed once threshold was reached")
	}
}

func TestTryBeginRecordingIsExclusive(t *testing.T) {
	e := &fakeEmitter{}
	b := New(e, 1)
	tag := fragment.Tag(0x2000)
	f := fragment.New(1, tag, 0)
	b.Observe(tag, f)

	if !b.TryBeginRecording(tag, 1) {
		t.Fatalf("first TryBeginRecording failed")
	}
	if b.TryBeginRecording(tag, 2) {
		t.Fatalf("second concurrent TryBeginRecording should have lost the race")
	}
}

func TestAbortRecordingAllowsRetry(t *testing.T) {
	e := &fakeEmitter{}
	b := New(e, 1)
	tag := fragment.Tag(0x3000)
	f := fragment.New(1, tag, 0)
	b.Observe(tag, f)

	b.TryBeginRecording(tag, 1)
	b.AbortRecording(tag)

	if !b.TryBeginRecording(tag, 2) {
		t.Fatalf("TryBeginRecording failed after AbortRecording released the head")
	}
}

func TestRecorderStopsOnRepeatedBlock(t *testing.T) {
	b := New(&fakeEmitter{}, 1)
	r := b.NewRecorder(fragment.Tag(0x4000))
	f1 := fragment.New(1, 0x4000, 0)
	f2 := fragment.New(2, 0x4010, 0)

	if reason, stop := r.Append(f1, false, false, false); stop {
		t.Fatalf("Append(f1) stopped early with reason %v", reason)
	}
	if reason, stop := r.Append(f2, false, false, false); stop {
		t.Fatalf("Append(f2) stopped early with reason %v", reason)
	}
	reason, stop := r.Append(f1, false, false, false)
	if !stop || reason != StopRepeatedBlock {
		t.Fatalf("Append(f1 again) = (%v, %v), want (StopRepeatedBlock, true)", reason, stop)
	}
}

func TestRecorderStopsOnLengthLimit(t *testing.T) {
	b := New(&fakeEmitter{}, 1)
	r := b.NewRecorder(fragment.Tag(0x5000))
	var lastReason StopReason
	var lastStop bool
	for i := 0; i < MaxTraceLength; i++ {
		f := fragment.New(fragment.ID(i+1), fragment.Tag(uintptr(0x5000+i*16)), 0)
		lastReason, lastStop = r.Append(f, false, false, false)
	}
	if !lastStop || lastReason != StopLengthLimit {
		t.Fatalf("final Append = (%v, %v), want (StopLengthLimit, true)", lastReason, lastStop)
	}
}

func TestRecorderStopsOnSyscallBeforeAnyBlock(t *testing.T) {
	b := New(&fakeEmitter{}, 1)
	r := b.NewRecorder(fragment.Tag(0x6000))
	reason, stop := r.Append(nil, false, false, true)
	if !stop || reason != StopSyscall {
		t.Fatalf("Append with syscall flag on empty recorder = (%v, %v), want (StopSyscall, true)", reason, stop)
	}
}

func TestFinishEmitsAndRetiresHead(t *testing.T) {
	e := &fakeEmitter{}
	b := New(e, 1)
	tag := fragment.Tag(0x7000)
	f := fragment.New(1, tag, 0)
	b.Observe(tag, f)
	b.TryBeginRecording(tag, 1)

	r := b.NewRecorder(tag)
	r.Append(f, false, false, false)

	trc, err := b.Finish(r)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if trc == nil {
		t.Fatalf("Finish returned nil fragment")
	}
	if len(e.got) != 1 || e.got[0] != f {
		t.Fatalf("emitter received %+v, want [f]", e.got)
	}

	// Head is retired: recording cannot be reattempted against this tag's
	// stale trace-head state.
	if b.TryBeginRecording(tag, 2) {
		t.Fatalf("TryBeginRecording succeeded on a retired head")
	}
}

func TestFinishPropagatesEmitterFailureAndAbortsRecording(t *testing.T) {
	e := &fakeEmitter{fail: true}
	b := New(e, 1)
	tag := fragment.Tag(0x8000)
	f := fragment.New(1, tag, 0)
	b.Observe(tag, f)
	b.TryBeginRecording(tag, 1)

	r := b.NewRecorder(tag)
	r.Append(f, false, false, false)

	if _, err := b.Finish(r); err == nil {
		t.Fatalf("Finish did not propagate emitter failure")
	}
	if !b.TryBeginRecording(tag, 2) {
		t.Fatalf("TryBeginRecording failed after a failed Finish should have aborted back to trace-head")
	}
}

func TestDropRevertsToCold(t *testing.T) {
	e := &fakeEmitter{}
	b := New(e, 1)
	tag := fragment.Tag(0x9000)
	f := fragment.New(1, tag, 0)
	b.Observe(tag, f)
	b.TryBeginRecording(tag, 1)
	r := b.NewRecorder(tag)
	r.Append(f, false, false, false)
	b.Finish(r)

	b.Drop(tag)

	// After Drop, the head is cold again and needs fresh hits before it can
	// be recorded from.
	if b.TryBeginRecording(tag, 2) {
		t.Fatalf("TryBeginRecording succeeded on a dropped (cold) head")
	}
}
