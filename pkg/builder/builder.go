// Package builder implements the fragment builder (spec.md §4.1): decode an
// application basic block, mangle its terminating control transfer, emit
// the result into the code cache, and commit a new Fragment.
package builder

import (
	"context"
	"errors"
	"fmt"

	"dynacore.dev/dynacore/pkg/cache"
	"dynacore.dev/dynacore/pkg/decoder"
	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/osfacade"
	"dynacore.dev/dynacore/pkg/translate"
)

// MaxBlockInstrs caps basic-block length when no control transfer is seen
// first, per spec.md §4.1 step 1 "or a configured maximum".
const MaxBlockInstrs = 512

// AppReader reads application bytes, returning an error (wrapping
// dynerr.ErrDecodeFailure) if the requested range is not readable — the
// condition §4.1 step 1 calls out when a block crosses into an unreadable
// page.
type AppReader interface {
	ReadApp(addr uintptr, max int) ([]byte, error)
}

// IDAllocator hands out dense fragment IDs and registers the resulting
// Fragment against its cache-absolute entry PC, satisfied by the slab that
// owns fragment storage (spec.md §9 "arena+index"). Registration happens
// here, at commit time (spec.md §4.1 step 5 "Commit"), rather than being
// left to callers, so every fragment Build returns is already resolvable
// by ID before it is handed back.
type IDAllocator interface {
	Alloc() fragment.ID
	Register(f *fragment.Fragment, entryPC uintptr)
}

// emission is the result of encoding one basic block's instructions into a
// scratch buffer alongside its translation intervals.
type emission struct {
	code   []byte
	table  *translate.Table
	exits  []fragment.Exit
}

// Builder produces fragments from application tags.
type Builder struct {
	dec    decoder.Decoder
	enc    decoder.Encoder
	reader AppReader
	cache  *cache.Cache
	ids    IDAllocator

	// StubEntryPC is the cache-relative entry point of the dispatch
	// linking stub every unresolved exit targets until Link rewrites it
	// (spec.md §4.1 step 3 "linking stub").
	StubEntryPC uintptr
	// IBLEntryPC is the entry point of the indirect-branch lookup probe
	// (spec.md §4.1 step 3, §4.8).
	IBLEntryPC uintptr
	// SyscallStubPC is the entry point of the dedicated engine stub that
	// performs system calls on the application's behalf (spec.md §4.1
	// step 3 "System calls exit to a dedicated engine stub").
	SyscallStubPC uintptr
}

// New returns a Builder wired to the given decoder/encoder/cache.
func New(dec decoder.Decoder, enc decoder.Encoder, reader AppReader, c *cache.Cache, ids IDAllocator) *Builder {
	return &Builder{dec: dec, enc: enc, reader: reader, cache: c, ids: ids}
}

// Build produces a Fragment for the application block starting at tag, in
// the given cache partition. On a decode failure of application bytes, it
// returns a synthetic fault-reraising fragment rather than an error,
// matching spec.md §4.1 "Errors: decoding-failure... surfaces as a
// synthetic fragment that re-raises the same fault to the application".
func (b *Builder) Build(ctx context.Context, tag fragment.Tag, partition cache.Partition) (*fragment.Fragment, error) {
	em, faultAddr, decErr := b.decodeBlock(tag)
	if decErr != nil {
		if !errors.Is(decErr, dynerr.ErrDecodeFailure) {
			return nil, decErr
		}
		return b.buildFaultFragment(ctx, tag, partition, faultAddr)
	}

	unit, offset, err := b.cache.Reserve(ctx, partition, uintptr(len(em.code)))
	if err != nil {
		// spec.md §4.1 "out-of-cache triggers eviction before retry";
		// the retry-after-eviction loop lives in pkg/dispatch, which
		// owns the synchall coordination eviction requires. Builder
		// itself just surfaces the condition.
		return nil, err
	}

	id := b.ids.Alloc()
	f := fragment.New(id, tag, flagsFor(partition))
	f.UnitID = unit.ID
	f.CacheOffset = offset
	f.CacheSize = uintptr(len(em.code))
	f.Exits = em.exits
	f.SetTranslation(em.table)

	b.cache.RecordFragment(unit, id)
	b.ids.Register(f, unit.Base()+offset)
	return f, nil
}

func flagsFor(p cache.Partition) fragment.Flags {
	if p == cache.PartitionShared || p == cache.PartitionPersisted {
		return fragment.FlagShared
	}
	return 0
}

// decodeBlock runs spec.md §4.1 steps 1-4: decode sequentially from tag
// until a control transfer (or MaxBlockInstrs), emitting a scratch buffer
// and translation table in parallel. faultAddr is set when decErr wraps
// ErrDecodeFailure, identifying where the synthetic fault fragment should
// re-fault.
func (b *Builder) decodeBlock(tag fragment.Tag) (*emission, uintptr, error) {
	const maxBytesPerBlock = 4096
	bytes, err := b.reader.ReadApp(uintptr(tag), maxBytesPerBlock)
	if err != nil {
		return nil, uintptr(tag), fmt.Errorf("%w: %v", dynerr.ErrDecodeFailure, err)
	}

	em := &emission{table: translate.NewBuilder()}
	var cacheOff uintptr
	appOff := uintptr(0)

	for n := 0; n < MaxBlockInstrs; n++ {
		if int(appOff) >= len(bytes) {
			return nil, uintptr(tag) + appOff, fmt.Errorf("%w: ran off readable range", dynerr.ErrDecodeFailure)
		}
		instr, length, err := b.dec.Decode(bytes[appOff:], len(bytes)-int(appOff))
		if err != nil {
			return nil, uintptr(tag) + appOff, fmt.Errorf("%w: %v", dynerr.ErrDecodeFailure, err)
		}

		dst := make([]byte, length*2) // worst case: absolute-address rewrite widens the encoding
		encLen, err := b.enc.Encode(instr, dst)
		if err != nil {
			return nil, 0, fmt.Errorf("builder: encoding engine-emitted bytes: %w", err)
		}
		dst = dst[:encLen]

		start := cacheOff
		em.code = append(em.code, dst...)
		cacheOff += uintptr(encLen)
		em.table.Append(translate.Interval{
			CacheStart:  start,
			CacheEnd:    cacheOff,
			AppOffset:   appOff,
			Restartable: []uintptr{start},
		})

		switch instr.Kind() {
		case decoder.KindDirectBranch, decoder.KindDirectCall:
			em.exits = append(em.exits, fragment.Exit{State: fragment.ExitUnlinked})
			return em, 0, nil
		case decoder.KindConditionalBranch:
			// Two exits: taken and fall-through (spec.md §4.1 step 3).
			em.exits = append(em.exits,
				fragment.Exit{State: fragment.ExitUnlinked},
				fragment.Exit{State: fragment.ExitUnlinked})
			return em, 0, nil
		case decoder.KindIndirectBranch, decoder.KindIndirectCall, decoder.KindReturn:
			em.exits = append(em.exits, fragment.Exit{State: fragment.ExitUnlinked})
			return em, 0, nil
		case decoder.KindSyscall, decoder.KindInterrupt:
			em.exits = append(em.exits, fragment.Exit{State: fragment.ExitUnlinked})
			return em, 0, nil
		}

		appOff += uintptr(length)
	}
	// Hit MaxBlockInstrs without a control transfer: terminate the block
	// here with a fall-through exit to a continuation fragment, per
	// spec.md §4.1 step 1's "or a configured maximum".
	em.exits = append(em.exits, fragment.Exit{State: fragment.ExitUnlinked})
	return em, 0, nil
}

// buildFaultFragment builds a trivial fragment whose only job is to
// re-raise, to the application, whatever fault the CPU would have raised
// reading or decoding faultAddr (spec.md §4.1 "Errors", §7 "Decode failure
// on application bytes").
func (b *Builder) buildFaultFragment(ctx context.Context, tag fragment.Tag, partition cache.Partition, faultAddr uintptr) (*fragment.Fragment, error) {
	// A single-instruction trampoline that jumps to SyscallStubPC-style
	// engine code which performs a guarded read of faultAddr, letting the
	// OS facade's real fault delivery take over (osfacade.Facade's
	// InstallExceptionHandler path in pkg/async handles the resulting
	// signal as case (a): "in application code (not yet cached)").
	code := make([]byte, 16)
	id := b.ids.Alloc()
	unit, offset, err := b.cache.Reserve(ctx, partition, uintptr(len(code)))
	if err != nil {
		return nil, err
	}
	f := fragment.New(id, tag, flagsFor(partition))
	f.UnitID = unit.ID
	f.CacheOffset = offset
	f.CacheSize = uintptr(len(code))
	f.Exits = []fragment.Exit{{State: fragment.ExitUnlinked}}
	tbl := translate.NewBuilder()
	tbl.Append(translate.Interval{CacheStart: 0, CacheEnd: uintptr(len(code)), AppOffset: faultAddr - uintptr(tag), Restartable: []uintptr{0}})
	f.SetTranslation(tbl)
	b.cache.RecordFragment(unit, id)
	b.ids.Register(f, unit.Base()+offset)
	return f, nil
}

// ReadableCheck re-verifies a page's readability mid-block when a basic
// block crosses a page boundary (spec.md §4.1 step 1). Kept as a small
// standalone helper so pkg/dispatch can call it directly when growing an
// already-committed fragment across a newly-faulting page is not desired.
func ReadableCheck(ctx context.Context, facade osfacade.Facade, addr uintptr) error {
	info, err := facade.Query(ctx, addr)
	if err != nil {
		return err
	}
	if info.State != osfacade.StateCommitted || info.Prot&osfacade.ProtRead == 0 {
		return fmt.Errorf("%w: page at %#x not readable", dynerr.ErrDecodeFailure, addr)
	}
	return nil
}
