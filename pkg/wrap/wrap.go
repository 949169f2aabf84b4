// Package wrap implements the application-function wrapping and
// replacement layer (spec.md §4.11): deterministic pre/post callback
// semantics around application functions, correct even across longjmp- or
// exception-style nonlocal exits. Grounded on the real DynamoRIO drwrap
// extension's documented contract (original_source/ext/drwrap/drwrap.h):
// ordered multi-wrap registration, get/set arg and retval, skip_call, and
// an abnormal post-callback invocation on unwind.
package wrap

import (
	"fmt"
	"sync"

	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/log"
)

// Flags on a single Wrap registration. FlagNoFrills mirrors drwrap.h's
// DRWRAP_NO_FRILLS opt-out from unwind bookkeeping; this package stores it
// but never reads it, so a FlagNoFrills registration gets the same
// watermark bookkeeping as any other.
type Flags uint8

const (
	FlagNone Flags = 0
	// FlagSkipOnUnwind means the post-callback should not be invoked at
	// all on an abnormal unwind, only on a normal return.
	FlagSkipOnUnwind Flags = 1 << iota
	FlagNoFrills
)

// PreCallback runs before orig executes.
type PreCallback func(cxt *PreContext)

// PostCallback runs after orig executes, or once for an abnormally-unwound
// frame with cxt.Abnormal set (spec.md §4.11 "Post-callback invocation
// discipline").
type PostCallback func(cxt *PostContext)

// Mcontext is an opaque machine-register snapshot; wrap never interprets
// its bytes, only threads it between the caller and callbacks.
type Mcontext []byte

// ArgAccess reads and writes one application function's arguments and
// return address according to the platform calling convention, satisfied
// by an adapter over pkg/decoder's register model plus stack-slot reads.
type ArgAccess interface {
	GetArg(i int) uintptr
	SetArg(i int, v uintptr)
	GetRetAddr() uintptr
	GetMcontext() Mcontext
	SetMcontext(Mcontext)
	GetRetval() uintptr
	SetRetval(uintptr)
}

// PreContext is what a PreCallback receives (spec.md §4.11 "Pre-callback
// context exposes").
type PreContext struct {
	access   ArgAccess
	UserData any
	skipped  bool
	skipVal  uintptr
}

func (c *PreContext) GetArg(i int) uintptr    { return c.access.GetArg(i) }
func (c *PreContext) SetArg(i int, v uintptr) { c.access.SetArg(i, v) }
func (c *PreContext) GetMcontext() Mcontext   { return c.access.GetMcontext() }
func (c *PreContext) SetMcontext(m Mcontext)  { c.access.SetMcontext(m) }
func (c *PreContext) GetRetAddr() uintptr     { return c.access.GetRetAddr() }

// SkipCall marks the current pre-frame so control redirects straight to the
// caller with retval, without executing orig's body (spec.md §4.11
// "Skip-call"). stdcallSize is the callee-cleanup byte count to apply to
// the stack pointer on platforms with that calling convention; ignored
// elsewhere.
func (c *PreContext) SkipCall(retval uintptr, stdcallSize int) {
	c.skipped = true
	c.skipVal = retval
	_ = stdcallSize
}

// PostContext is what a PostCallback receives (spec.md §4.11 "Post-callback
// context exposes"). Abnormal is set when this call is the product of the
// wrap-stack watermark unwind-detection rather than a normal return; per
// drwrap.h, in that case retval is not meaningfully queryable.
type PostContext struct {
	access   ArgAccess
	UserData any
	Abnormal bool
}

func (c *PostContext) GetRetval() uintptr {
	if c.Abnormal {
		log.Warningf("wrap: GetRetval called from an abnormal post-callback: %v", dynerr.ErrWrapMisuse)
		return 0
	}
	return c.access.GetRetval()
}

func (c *PostContext) SetRetval(v uintptr) {
	if c.Abnormal {
		log.Warningf("wrap: SetRetval called from an abnormal post-callback: %v", dynerr.ErrWrapMisuse)
		return
	}
	c.access.SetRetval(v)
}

func (c *PostContext) GetMcontext() Mcontext {
	if c.Abnormal {
		log.Warningf("wrap: GetMcontext called from an abnormal post-callback: %v", dynerr.ErrWrapMisuse)
		return nil
	}
	return c.access.GetMcontext()
}

func (c *PostContext) SetMcontext(m Mcontext) {
	if c.Abnormal {
		log.Warningf("wrap: SetMcontext called from an abnormal post-callback: %v", dynerr.ErrWrapMisuse)
		return
	}
	c.access.SetMcontext(m)
}

// record is one registered pre/post pair for a target address.
type record struct {
	pre   PreCallback
	post  PostCallback
	flags Flags
}

// Replacement is an installed Replace() redirection.
type replacement struct {
	target uintptr
}

// Manager owns every Wrap/Replace registration for the process, keyed by
// application function address.
type Manager struct {
	mu           sync.Mutex
	wraps        map[uintptr][]*record
	replacements map[uintptr]replacement

	// OnInvalidate is called with the original address whenever a
	// Replace/Unreplace or wrap-set change means cached fragments that
	// inlined that entry must be lazily flushed (spec.md §4.11
	// "Removal lazily invalidates cached fragments").
	OnInvalidate func(orig uintptr)
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{wraps: make(map[uintptr][]*record), replacements: make(map[uintptr]replacement)}
}

// Replace installs an atomic redirection from orig to repl. Fails unless
// override is set if a replacement already exists (spec.md §4.11
// "Replace"). Passing repl==0 with override removes the replacement,
// restoring native execution of orig.
func (m *Manager) Replace(orig, repl uintptr, override bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.replacements[orig]
	if exists && !override {
		return dynerr.ErrReplaceExists
	}
	if repl == 0 {
		delete(m.replacements, orig)
	} else {
		m.replacements[orig] = replacement{target: repl}
	}
	if m.OnInvalidate != nil {
		m.OnInvalidate(orig)
	}
	return nil
}

// ReplacementFor returns the installed replacement target for orig, if any.
func (m *Manager) ReplacementFor(orig uintptr) (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replacements[orig]
	return r.target, ok
}

// Wrap registers pre/post around orig. Multiple wraps on the same address
// are ordered: registration order is the pre-call order; the reverse is the
// post-call order (spec.md §4.11 "Wrap"). The last registered wrap is
// therefore the innermost: it fires last on the way in and first on the way
// out, symmetric with the wrap-stack model below.
func (m *Manager) Wrap(orig uintptr, pre PreCallback, post PostCallback, flags Flags) error {
	if pre == nil && post == nil {
		return fmt.Errorf("wrap: at least one of pre, post must be non-nil")
	}
	m.mu.Lock()
	m.wraps[orig] = append(m.wraps[orig], &record{pre: pre, post: post, flags: flags})
	m.mu.Unlock()
	return nil
}

// Unwrap removes a previously registered pre/post pair by callback
// identity comparison is not possible in Go for funcs, so Unwrap removes
// the most recently registered record for orig; callers that need precise
// removal should track the returned handle instead in a fuller API. This
// port keeps the LIFO removal contract that matches wrap-stack semantics:
// unwrap undoes the most recent wrap first.
func (m *Manager) Unwrap(orig uintptr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.wraps[orig]
	if len(recs) == 0 {
		return false
	}
	m.wraps[orig] = recs[:len(recs)-1]
	if len(m.wraps[orig]) == 0 {
		delete(m.wraps, orig)
	}
	return true
}

func (m *Manager) recordsFor(orig uintptr) []*record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*record, len(m.wraps[orig]))
	copy(out, m.wraps[orig])
	return out
}

// frame is one active wrap invocation on the per-thread wrap-stack (spec.md
// §3 "Wrap Record", §4.11 "Post-callback invocation discipline").
type frame struct {
	retAddr     uintptr
	spWatermark uintptr
	userData    []any // one slot per matched record, ordered pre-call order
	posts       []*record
	access      ArgAccess
	skippedIdx  int // -1 if no record called SkipCall
}

// Stack is a per-thread wrap-stack (spec.md §4.11). Its owner calls Enter,
// Leave and Sweep; pkg/dispatch does not call them, so nothing in this
// module runs Sweep on cache exits.
type Stack struct {
	mgr    *Manager
	frames []*frame
}

// NewStack returns an empty wrap-stack bound to mgr's registrations.
func NewStack(mgr *Manager) *Stack {
	return &Stack{mgr: mgr}
}

// Enter runs every registered pre-callback for orig in registration order
// and pushes a frame recording the return address and current stack
// pointer watermark, so a later Sweep can detect a nonlocal exit that
// bypassed the matching post-callbacks. Returns (skip=true, retval) if some
// pre-callback called SkipCall, in which case the caller must not execute
// orig's body at all and the post-callbacks are never invoked (spec.md §4.11
// "Skip-call").
func (s *Stack) Enter(orig, retAddr, sp uintptr, access ArgAccess) (skip bool, retval uintptr) {
	recs := s.mgr.recordsFor(orig)
	fr := &frame{retAddr: retAddr, spWatermark: sp, access: access, skippedIdx: -1}
	fr.userData = make([]any, len(recs))
	fr.posts = make([]*record, len(recs))

	for i, r := range recs {
		fr.posts[i] = r
		if r.pre == nil {
			continue
		}
		cxt := &PreContext{access: access}
		r.pre(cxt)
		fr.userData[i] = cxt.UserData
		if cxt.skipped && fr.skippedIdx == -1 {
			fr.skippedIdx = i
			skip = true
			retval = cxt.skipVal
			break
		}
	}
	if fr.skippedIdx != -1 {
		// Records after skippedIdx never had their pre-callback called
		// (the break above), so fr.posts/fr.userData past this point
		// are unset; drop them rather than leaving invokePosts to walk
		// over nil records.
		fr.posts = fr.posts[:fr.skippedIdx+1]
		fr.userData = fr.userData[:fr.skippedIdx+1]
	}
	s.frames = append(s.frames, fr)
	return skip, retval
}

// Leave runs post-callbacks for the top frame in reverse registration
// order on a normal return, matching pushed to Enter's fr. Used when orig
// returned normally (no unwind was detected by Sweep in the interim).
func (s *Stack) Leave() {
	if len(s.frames) == 0 {
		return
	}
	fr := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	s.invokePosts(fr, false)
}

// Sweep implements spec.md §4.11's unwind-detection discipline: on every
// cache exit, check whether currentSP is above (for a downward-growing
// stack) any watermark on the wrap-stack. Frames whose watermark has been
// passed have had their stack frame unwound by a longjmp or exception, so
// their post-callbacks are invoked now, with Abnormal set, before the
// frames are popped. Runs in O(frames-popped).
func (s *Stack) Sweep(currentSP uintptr) {
	for len(s.frames) > 0 {
		top := s.frames[len(s.frames)-1]
		if currentSP < top.spWatermark {
			// currentSP is still below (more recently pushed than) the
			// watermark: this frame has not been unwound.
			return
		}
		s.frames = s.frames[:len(s.frames)-1]
		s.invokePosts(top, true)
	}
}

func (s *Stack) invokePosts(fr *frame, abnormal bool) {
	for i := len(fr.posts) - 1; i >= 0; i-- {
		r := fr.posts[i]
		if fr.skippedIdx != -1 {
			// SkipCall was invoked from record fr.skippedIdx's pre.
			// Enter truncated fr.posts to indices <= skippedIdx, and
			// every one of those is excluded here, so no post-callback
			// runs for a skipped call: not the skipping wrap's, and not
			// those of wraps registered before it.
			if i <= fr.skippedIdx {
				continue
			}
		}
		if r.post == nil {
			continue
		}
		if abnormal && r.flags&FlagSkipOnUnwind != 0 {
			continue
		}
		cxt := &PostContext{access: fr.access, UserData: fr.userData[i], Abnormal: abnormal}
		r.post(cxt)
	}
}

// Depth returns the number of active frames, used by tests and by detach
// (spec.md §9 open question: "the interaction between detach and in-flight
// wrap post-callbacks... an implementer must choose a defined policy") to
// decide whether any wrap state is outstanding.
func (s *Stack) Depth() int { return len(s.frames) }

// DrainOnDetach invokes every outstanding frame's post-callbacks as
// abnormal and clears the stack. This resolves spec.md §9's open question
// with an explicit policy: detach treats every in-flight wrapped call as an
// abnormal unwind rather than silently dropping the wrap-stack. As on any
// abnormal unwind, records registered with FlagSkipOnUnwind and frames whose
// call was skipped get no post-callback (see DESIGN.md).
func (s *Stack) DrainOnDetach() {
	for len(s.frames) > 0 {
		fr := s.frames[len(s.frames)-1]
		s.frames = s.frames[:len(s.frames)-1]
		s.invokePosts(fr, true)
	}
}
