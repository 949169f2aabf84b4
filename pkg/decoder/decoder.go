// Package decoder declares the external decoder/encoder interface consumed
// by the fragment builder (spec.md §6 "To the decoder/encoder"). The
// machine-code decoder/encoder for the target architecture is explicitly
// out of scope for this core (spec.md §1); this package only fixes the
// contract the builder programs against so that any concrete decoder
// (x86, arm64, ...) can be plugged in.
package decoder

// Reg identifies an architectural register in an instruction's read or
// write set.
type Reg uint16

// Kind classifies an instruction for the mangling decisions of §4.1.
type Kind uint8

const (
	KindOther Kind = iota
	KindDirectBranch
	KindDirectCall
	KindConditionalBranch
	KindIndirectBranch
	KindIndirectCall
	KindReturn
	KindSyscall
	KindInterrupt
)

// Instr is the intermediate representation of one decoded instruction. The
// concrete field set is owned by the out-of-core decoder; the engine only
// depends on the accessors below.
type Instr interface {
	// Kind classifies the instruction for mangling purposes.
	Kind() Kind
	// Length is the encoded length in bytes at its original address.
	Length() int
	// PCRelative reports whether the instruction computes an address
	// relative to its own PC (requiring rewrite to an absolute form when
	// copied into the cache, per §4.1 step 2).
	PCRelative() bool
	// BranchTarget returns the statically-known branch target for a
	// direct branch/call, or ok=false for indirect transfers.
	BranchTarget() (target uintptr, ok bool)
	// ReadRegs and WriteRegs return the architectural registers this
	// instruction reads or writes, used by the translation table builder
	// (§4.6) to decide where application state currently lives.
	ReadRegs() []Reg
	WriteRegs() []Reg
}

// Decoder turns raw application bytes into an Instr.
type Decoder interface {
	// Decode decodes one instruction starting at the given bytes, up to
	// maxLen bytes. Returns the instruction and its length, or an error
	// if the bytes are not readable or not a valid encoding (§4.1 step 1,
	// §7 "Decode failure on application bytes").
	Decode(bytes []byte, maxLen int) (Instr, int, error)
}

// Encoder emits an Instr back to bytes, used both to copy non-control
// instructions unchanged into the scratch buffer and to emit the engine's
// own mangling sequences (linking stubs, IBL probes, restore code).
type Encoder interface {
	// Encode writes instr into dst and returns the number of bytes
	// written, or an error if dst is too small.
	Encode(instr Instr, dst []byte) (int, error)
}
