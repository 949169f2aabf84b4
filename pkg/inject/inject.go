// Package inject describes the injector entry point contract (spec.md §6
// "To the injector"): a single exported entry point the injector jumps to
// with a standard register layout and a stack containing {argc-sentinel,
// saved-machine-context, optional home-directory-string}, which initializes
// the engine and begins dispatch at the saved PC. The injector itself
// (early and runtime variants, per-OS ptrace/mmap mechanics) is out of
// scope (spec.md §1); this package only fixes the handoff shape, grounded
// on original_source/core/linux/injector.c's documented ptrace-attach,
// push-payload, redirect-IP, single-step-to-trap sequence.
package inject

// Payload is the bytes the injector writes into the target process before
// redirecting its instruction pointer (original_source/injector.c: a small
// bootstrap that calls back into the entry point once mapped).
type Payload struct {
	Code []byte
	// LoadAddr is where the injector placed Code, used to compute the
	// saved return address the bootstrap leaves on the stack.
	LoadAddr uintptr
}

// Handoff is the standard register/stack layout the injector establishes
// before jumping to Entry (spec.md §6).
type Handoff struct {
	// ArgcSentinel is a fixed marker value the entry point checks to
	// confirm it was invoked with this expected stack shape, rather than
	// accidentally called as a normal function.
	ArgcSentinel uintptr
	// SavedContext is the application's machine register state at the
	// moment of injection (early) or takeover (runtime), to resume once
	// the engine is initialized.
	SavedContext []byte
	// SavedPC is the application PC dispatch should begin at; also
	// encoded within SavedContext, broken out here since builder.Build
	// and dispatch.Loop both need it directly.
	SavedPC uintptr
	// HomeDir is an optional path the engine uses to locate its own
	// configuration/log/persisted-cache files, analogous to DynamoRIO's
	// "dynamorio home directory" convention; empty if the injector did
	// not supply one.
	HomeDir string
}

// EntryFunc is the signature of the exported entry point the injector jumps
// to. pkg/engine's Engine.Entry provides this entry point with an added
// context.Context parameter, so its method value is not itself an EntryFunc;
// this type exists so the injector-facing contract can be named and tested
// independently of engine wiring.
type EntryFunc func(h Handoff) error

// Takeover describes which of the two variants (spec.md §6
// "inject-location") produced a given Handoff, recorded for diagnostics
// and for config.Options.InjectLocation validation.
type Takeover uint8

const (
	TakeoverEarly Takeover = iota
	TakeoverRuntime
)
