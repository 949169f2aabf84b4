// Package synchall implements the safe-point synchronization protocol
// (spec.md §4.5): suspend every other thread at a safe point to support
// cache-unit reclamation, trace-promotion side effects, and detach.
// Cooperative suspension times out into forced OS-level suspension; all
// synchall calls are serialized through a single global lock (spec.md §5
// "Synchall state: Global exclusive lock; only one synchall in flight").
package synchall

import (
	"context"
	"time"

	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/thread"
	"dynacore.dev/dynacore/pkg/translate"
)

// Forcer performs OS-level thread suspension and register inspection when
// cooperative waiting times out (spec.md §4.5 "Forced"). Every thread that
// has not acknowledged by the deadline is forced, including one blocked in
// a system call: nothing in this module marks a thread as in the kernel.
type Forcer interface {
	// Suspend asks the OS to stop tid and returns its current PC and a
	// snapshot of its registers.
	Suspend(ctx context.Context, tid int32) (pc uintptr, regs translate.RegisterSnapshot, err error)
	// Resume continues tid, optionally after RewritePC has changed its
	// saved instruction pointer.
	Resume(ctx context.Context, tid int32) error
	// RewritePC rewrites tid's saved PC and register state, used to
	// "teleport" a thread out of the cache (spec.md §4.5 "Forced").
	RewritePC(ctx context.Context, tid int32, pc uintptr, regs translate.RegisterSnapshot) error
}

// Coordinator runs the synchall protocol across a thread.Lifecycle.
type Coordinator struct {
	lock      chan struct{} // 1-buffered, acts as the global synchall mutex
	lifecycle *thread.Lifecycle
	cacheSet  *cache.Cache
	forcer    Forcer

	// CooperativeTimeout bounds the cooperative wait before escalating to
	// forced suspension (spec.md §5 "Cancellation and timeouts").
	CooperativeTimeout time.Duration
	// PollInterval is how often Synchall polls peer ack flags while
	// waiting cooperatively.
	PollInterval time.Duration
}

// New returns a Coordinator. forcer may be nil if the embedding platform
// cannot force-suspend threads (spec.md §7 "if forced suspension fails
// (privilege), skip the affected thread and log").
func New(lifecycle *thread.Lifecycle, cacheSet *cache.Cache, forcer Forcer) *Coordinator {
	c := &Coordinator{
		lock:               make(chan struct{}, 1),
		lifecycle:          lifecycle,
		cacheSet:           cacheSet,
		forcer:             forcer,
		CooperativeTimeout: 50 * time.Millisecond,
		PollInterval:       200 * time.Microsecond,
	}
	c.lock <- struct{}{}
	return c
}

// Reason documents why a synchall round is being requested, for logging.
type Reason string

const (
	ReasonEviction  Reason = "eviction"
	ReasonDetach    Reason = "detach"
	ReasonTraceSide Reason = "trace-side-effect"
)

// Result reports, per thread, whether it was parked cooperatively or had to
// be force-suspended. It does not carry a forced thread's PC or registers,
// and Synchall does not move any thread out of the cache.
type Result struct {
	TID     int32
	Forced  bool
	Skipped bool // set when forced suspension failed; see spec.md §7
}

// Synchall suspends every thread other than excludeTID at a safe point,
// calls fn while they are parked, then clears every peer's safe-point flag.
// Force-suspended threads are not resumed here (Release or Teleport does
// that). fn must not block
// indefinitely: every other synchall call in the process is blocked on the
// global lock for its duration (spec.md §5 "Ordering guarantees" places
// synchall-global highest in the lock-rank order).
func (c *Coordinator) Synchall(ctx context.Context, reason Reason, excludeTID int32, fn func([]Result) error) error {
	select {
	case <-c.lock:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.lock <- struct{}{} }()

	peers := c.lifecycle.All()
	var targets []*thread.Context
	for _, p := range peers {
		if p.TID != excludeTID {
			targets = append(targets, p)
		}
	}

	log.Debugf("synchall: %s requesting safe points for %d peers", reason, len(targets))
	for _, t := range targets {
		t.RequestSafePoint()
	}

	results := make([]Result, 0, len(targets))
	deadline := time.Now().Add(c.CooperativeTimeout)
	remaining := make([]*thread.Context, len(targets))
	copy(remaining, targets)

	for len(remaining) > 0 && time.Now().Before(deadline) {
		var stillWaiting []*thread.Context
		for _, t := range remaining {
			if t.SafePointState() == thread.SafePointAcked {
				results = append(results, Result{TID: t.TID})
			} else {
				stillWaiting = append(stillWaiting, t)
			}
		}
		remaining = stillWaiting
		if len(remaining) > 0 {
			time.Sleep(c.PollInterval)
		}
	}

	if len(remaining) > 0 {
		// spec.md §5 "escalate from cooperative to forced suspension".
		for _, t := range remaining {
			res := c.forceOne(ctx, t)
			results = append(results, res)
		}
	}

	err := fn(results)

	for _, t := range targets {
		t.ClearSafePoint()
	}
	return err
}

// forceOne asks the OS to suspend the thread and logs whether its PC lies
// inside a cache unit. It does not translate the PC or rewrite the saved
// state; the thread stays suspended where it stopped.
func (c *Coordinator) forceOne(ctx context.Context, t *thread.Context) Result {
	if c.forcer == nil {
		log.Warningf("synchall: no forcer configured, skipping tid=%d", t.TID)
		return Result{TID: t.TID, Forced: true, Skipped: true}
	}

	pc, regs, err := c.forcer.Suspend(ctx, t.TID)
	if err != nil {
		log.Warningf("synchall: forced suspend failed for tid=%d: %v (%v)", t.TID, err, dynerr.ErrForcedSuspendFailed)
		return Result{TID: t.TID, Forced: true, Skipped: true}
	}

	if unit := c.cacheSet.UnitForPC(pc); unit != nil {
		// Thread's PC is inside a cache unit. Only the fact is logged;
		// Result carries no PC, so nothing downstream translates it.
		log.Debugf("synchall: tid=%d forced-suspended inside cache unit %d at pc=%#x", t.TID, unit.ID, pc)
	}
	_ = regs
	return Result{TID: t.TID, Forced: true}
}

// Teleport rewrites a forced thread's saved state to resume at an
// application PC, used for detach (spec.md §4.5 "resumes it at the
// application PC (for detach)").
func (c *Coordinator) Teleport(ctx context.Context, tid int32, appPC uintptr, regs translate.RegisterSnapshot) error {
	if c.forcer == nil {
		return dynerr.ErrDetachFailed
	}
	return c.forcer.RewritePC(ctx, tid, appPC, regs)
}

// Release resumes a forced thread without teleporting it, used when the
// caller only needed a consistent snapshot (e.g. eviction) rather than a
// change of execution point.
func (c *Coordinator) Release(ctx context.Context, tid int32) error {
	if c.forcer == nil {
		return nil
	}
	return c.forcer.Resume(ctx, tid)
}
