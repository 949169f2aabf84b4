// Package trace implements the trace builder (spec.md §4.7): a state
// machine per basic-block fragment (cold → warm → trace-head → tracing →
// retired) that stitches hot basic blocks into a single fused fragment,
// eliminating intermediate dispatch round-trips.
package trace

import (
	"sync"

	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/log"
)

// State is one fragment's position in the trace state machine.
type State uint8

const (
	StateCold State = iota
	StateWarm
	StateTraceHead
	StateTracing
	StateRetired
)

// MaxTraceLength bounds recorded blocks per trace (spec.md §4.7 "a hard
// limit on trace length").
const MaxTraceLength = 64

type headInfo struct {
	state    State
	hitCount uint32
	// tracingBy is the thread ID currently recording from this head, or
	// -1 if none. Guards the "one thread wins the race" tie-break.
	tracingBy int32
}

// Emitter builds the fused trace fragment once recording completes,
// satisfied by pkg/builder or a thin adapter over it.
type Emitter interface {
	EmitTrace(blocks []*fragment.Fragment) (*fragment.Fragment, error)
}

// Builder tracks per-tag hit counts and in-flight recordings.
type Builder struct {
	mu    sync.Mutex
	heads map[fragment.Tag]*headInfo

	emitter Emitter

	// Threshold is T₁ from spec.md §4.7, the hit count at which a cold
	// block is promoted; Observe passes it through warm to trace-head in
	// the same call. Configured from config.Options.TraceThreshold.
	Threshold uint32
}

// New returns a Builder with the given promotion threshold.
func New(emitter Emitter, threshold uint32) *Builder {
	return &Builder{heads: make(map[fragment.Tag]*headInfo), emitter: emitter, Threshold: threshold}
}

// Observe records one execution of f and advances tag's state machine. It
// always returns nil: traces are emitted by Finish, not here. Called from
// pkg/dispatch for every fragment Step selects (spec.md §4.9 step 4).
func (b *Builder) Observe(tag fragment.Tag, f *fragment.Fragment) *fragment.Fragment {
	b.mu.Lock()
	h, ok := b.heads[tag]
	if !ok {
		h = &headInfo{state: StateCold, tracingBy: -1}
		b.heads[tag] = h
	}
	h.hitCount++
	if h.state == StateCold && h.hitCount >= b.Threshold {
		h.state = StateWarm
	}
	if h.state == StateWarm {
		h.state = StateTraceHead
		log.Debugf("trace: tag=%#x promoted to trace-head after %d hits", tag, h.hitCount)
	}
	b.mu.Unlock()
	return nil
}

// TryBeginRecording attempts to start recording a trace from head on
// behalf of tid. Returns false if another thread already won the race
// (spec.md §4.7 "If two threads begin tracing from the same head
// concurrently, one is chosen by lock order and the other aborts").
func (b *Builder) TryBeginRecording(head fragment.Tag, tid int32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.heads[head]
	if !ok || h.state != StateTraceHead {
		return false
	}
	if h.tracingBy != -1 {
		return false
	}
	h.tracingBy = tid
	h.state = StateTracing
	return true
}

// AbortRecording drops an in-progress recording, returning the head to
// trace-head state so a later attempt (by any thread) can retry. Called
// when the losing thread of a race aborts, or when a traced block is
// flushed mid-recording (spec.md §4.7 "If a traced block is flushed, the
// in-progress trace is discarded").
func (b *Builder) AbortRecording(head fragment.Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.heads[head]; ok && h.state == StateTracing {
		h.state = StateTraceHead
		h.tracingBy = -1
	}
}

// Recorder accumulates basic blocks for one in-progress trace.
type Recorder struct {
	head   fragment.Tag
	blocks []*fragment.Fragment
	seen   map[fragment.ID]bool
}

// NewRecorder starts recording from head.
func (b *Builder) NewRecorder(head fragment.Tag) *Recorder {
	return &Recorder{head: head, seen: make(map[fragment.ID]bool)}
}

// StopReason explains why recording ended.
type StopReason uint8

const (
	StopBackwardToHead StopReason = iota
	StopReturn
	StopRepeatedBlock
	StopLengthLimit
	StopSyscall
	StopUnresolvedIndirect
)

// Append adds one block to the recording. Returns ok=true with the
// StopReason when recording should end per spec.md §4.7's stop
// conditions: a backward branch to the trace head (loop), a return, a
// fragment already seen in this trace, or the hard length limit. Traces
// also never span a system call or an unresolved indirect branch; callers
// detect those from the block's own terminator kind and call Append with
// isSyscallOrUnresolvedIndirect=true to force an immediate stop without
// including the offending block.
func (r *Recorder) Append(f *fragment.Fragment, isBackwardToHead, isReturn, isSyscallOrUnresolvedIndirect bool) (StopReason, bool) {
	if isSyscallOrUnresolvedIndirect {
		if len(r.blocks) == 0 {
			return StopSyscall, true
		}
		return StopUnresolvedIndirect, true
	}
	if r.seen[f.ID] {
		return StopRepeatedBlock, true
	}
	r.blocks = append(r.blocks, f)
	r.seen[f.ID] = true

	if isBackwardToHead {
		return StopBackwardToHead, true
	}
	if isReturn {
		return StopReturn, true
	}
	if len(r.blocks) >= MaxTraceLength {
		return StopLengthLimit, true
	}
	return 0, false
}

// Blocks returns the blocks recorded so far, in execution order.
func (r *Recorder) Blocks() []*fragment.Fragment { return r.blocks }

// Finish emits the recorded blocks as a fused trace fragment and marks the
// head retired (spec.md §4.7 "Emission").
func (b *Builder) Finish(r *Recorder) (*fragment.Fragment, error) {
	f, err := b.emitter.EmitTrace(r.Blocks())
	if err != nil {
		b.AbortRecording(r.head)
		return nil, err
	}
	b.mu.Lock()
	if h, ok := b.heads[r.head]; ok {
		h.state = StateRetired
		h.tracingBy = -1
	}
	b.mu.Unlock()
	return f, nil
}

// Drop reverts head to cold, e.g. because the retired trace was itself
// later flushed (spec.md §4.7 state machine: "retired -> cold if dropped").
func (b *Builder) Drop(head fragment.Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.heads[head]; ok {
		h.state = StateCold
		h.hitCount = 0
		h.tracingBy = -1
	}
}
