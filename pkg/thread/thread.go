// Package thread implements the per-thread context (spec.md §3 "Per-Thread
// Context") and the thread-lifecycle hooks (spec.md §4.12): creation on
// thread birth, teardown on thread exit, each run from the engine's thread
// creation/destruction hooks rather than a background scheduler (spec.md
// §5: "the engine itself has no global scheduler thread").
package thread

import (
	"sync"
	"sync/atomic"

	"dynacore.dev/dynacore/pkg/fragtab"
	"dynacore.dev/dynacore/pkg/ibl"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/osfacade"
)

// SpillSlots is the number of architectural-register spill slots reserved
// per thread. Sized generously; the translation recipe format (pkg/translate)
// references slots by index, not by a fixed register mapping.
const SpillSlots = 32

// SafePointFlag values for the synchall cooperative protocol (spec.md §4.5).
type SafePointFlag int32

const (
	SafePointNone SafePointFlag = iota
	// SafePointRequested is set by a synchronizer. No cache exit in this
	// module checks it; a thread acknowledges only by calling
	// AckSafePoint itself.
	SafePointRequested
	// SafePointAcked is set by the target thread once it has reached a
	// safe point and is parked.
	SafePointAcked
)

// PendingSignal is one queued asynchronous event awaiting delivery at the
// next dispatch safe point (spec.md §4.10 step 2).
type PendingSignal struct {
	Rec osfacade.ExceptionRecord
}

// Context is the thread-local record created on thread birth and destroyed
// on thread exit. It is touched without locking by its owning thread, and
// by a synchronizer that has that thread suspended (spec.md §5 "Per-thread
// private structures: No lock").
type Context struct {
	TID int32

	// Spill holds the application register spill area addressed by
	// pkg/translate's RecipeSpilled recipe ops.
	Spill [SpillSlots]uintptr

	// DispatchReturn is the address dispatch resumes at after a fragment
	// exit writes application state into Spill.
	DispatchReturn uintptr

	// DStack is the scratch stack used only by engine code, never by
	// application code running in the cache (spec.md §3).
	DStack []byte

	Private *fragtab.Private
	IBL     *ibl.Table

	// WrapStack is a slot for a per-thread pkg/wrap stack, typed `any`.
	// Nothing in this module sets or reads it.
	WrapStack any

	mu      sync.Mutex
	pending []PendingSignal

	safePoint atomic.Int32 // SafePointFlag
}

// New allocates a Context for a newly-created thread (spec.md §4.12
// "Thread-birth hook... Allocates the per-thread context").
func New(tid int32, dstackSize int) *Context {
	return &Context{
		TID:     tid,
		DStack:  make([]byte, dstackSize),
		Private: fragtab.NewPrivate(),
		IBL:     ibl.New(256),
	}
}

// ReadSpill implements pkg/translate.SpillReader.
func (c *Context) ReadSpill(slot uintptr) uintptr {
	if int(slot) >= len(c.Spill) {
		return 0
	}
	return c.Spill[slot]
}

// RequestSafePoint is called by a synchronizer to ask this thread to park.
// The thread sees the request only if its own code polls SafePointState.
func (c *Context) RequestSafePoint() {
	c.safePoint.Store(int32(SafePointRequested))
}

// SafePointState reports the current cooperative-suspend flag.
func (c *Context) SafePointState() SafePointFlag {
	return SafePointFlag(c.safePoint.Load())
}

// AckSafePoint is called by the owning thread once parked; a synchronizer
// polls SafePointState for SafePointAcked.
func (c *Context) AckSafePoint() {
	c.safePoint.Store(int32(SafePointAcked))
}

// ClearSafePoint resets the flag once the synchronizer has released the
// thread.
func (c *Context) ClearSafePoint() {
	c.safePoint.Store(int32(SafePointNone))
}

// QueueSignal enqueues a deferred asynchronous event (spec.md §4.10 step
// 2). Protected by a per-thread lock per spec.md §5's "Async pending
// queue: Exclusive lock per thread".
func (c *Context) QueueSignal(sig PendingSignal) {
	c.mu.Lock()
	c.pending = append(c.pending, sig)
	c.mu.Unlock()
}

// DrainSignals removes and returns every queued signal, called by dispatch
// at a safe point before selecting the next fragment (spec.md §4.9 step 2,
// §4.10 step 2).
func (c *Context) DrainSignals() []PendingSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Lifecycle runs the thread-birth and thread-death hooks (spec.md §4.12)
// against a shared registry of live contexts, used by the process-death
// hook to know which threads still need tearing down.
type Lifecycle struct {
	mu       sync.Mutex
	contexts map[int32]*Context
}

// NewLifecycle returns an empty thread registry.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{contexts: make(map[int32]*Context)}
}

// Birth runs on the new thread before application code: allocate the
// context, register it, and return it ready for the first dispatch call.
func (l *Lifecycle) Birth(tid int32, dstackSize int) *Context {
	ctx := New(tid, dstackSize)
	l.mu.Lock()
	l.contexts[tid] = ctx
	l.mu.Unlock()
	log.Debugf("thread: birth tid=%d", tid)
	return ctx
}

// Death runs after application code: frees the private fragment table
// (implicitly, by dropping the Context), releases the dstack, and
// deregisters the thread. The caller (pkg/dispatch or pkg/synchall) must
// have already unlinked every private fragment's incoming links before
// calling Death, since those fragments' bytes are about to become
// unreachable private state.
func (l *Lifecycle) Death(tid int32) {
	l.mu.Lock()
	delete(l.contexts, tid)
	l.mu.Unlock()
	log.Debugf("thread: death tid=%d", tid)
}

// All returns every currently-live context, used by the process-death hook
// and by synchall to enumerate peers (spec.md §4.12, §4.5).
func (l *Lifecycle) All() []*Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Context, 0, len(l.contexts))
	for _, c := range l.contexts {
		out = append(out, c)
	}
	return out
}

// Get returns the context for tid, or nil.
func (l *Lifecycle) Get(tid int32) *Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contexts[tid]
}

// Count returns the number of live threads, used by the process-death hook
// to know when every thread has reached or been forced to a safe point.
func (l *Lifecycle) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.contexts)
}
