// Package heap implements the engine's arena allocator (spec.md §2 "Heap
// Allocator"): per-thread private arenas with no locking, a shared arena
// under a mutex, and an executable-heap variant used by the code cache
// (pkg/cache) and the linking-stub/IBL-table emitters. Bump-allocates
// within a growable list of backing blocks, grounded on the bump-into-a-
// growable-unit-list pattern spec.md §4.2 describes for the code cache
// itself and on google-gvisor's memutil raw-mmap idiom for the underlying
// OS calls.
package heap

import (
	"context"
	"fmt"
	"sync"

	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/osfacade"
)

// Kind distinguishes the protected-data-section variant (read-only after
// init) from an ordinary read/write arena, per spec.md §2.
type Kind uint8

const (
	// KindData is an ordinary read/write arena.
	KindData Kind = iota
	// KindExecutable backs code-cache units. Its blocks are committed
	// Read|Write; nothing in this module later switches them to Read|Exec.
	KindExecutable
	// KindProtected starts read/write for initialization and is expected
	// to be switched to read-only via Freeze once populated (spec.md
	// §9's "protect data-section" concern, made explicit rather than a
	// background global-state dance).
	KindProtected
)

const blockSize = 64 * 1024

type block struct {
	region osfacade.Region
	used   uintptr
}

// Arena is a bump allocator over a growable list of blocks obtained from an
// osfacade.Facade. Safe for concurrent use only if shared is set; per-thread
// arenas are created with shared=false and must only be touched by their
// owning thread context, matching §5's "no lock" rule for private structures.
type Arena struct {
	facade osfacade.Facade
	kind   Kind
	shared bool

	mu     sync.Mutex // unused when !shared
	blocks []*block
	frozen bool
}

// New creates an arena of the given kind backed by facade.
func New(facade osfacade.Facade, kind Kind, shared bool) *Arena {
	return &Arena{facade: facade, kind: kind, shared: shared}
}

func (a *Arena) lock() {
	if a.shared {
		a.mu.Lock()
	}
}

func (a *Arena) unlock() {
	if a.shared {
		a.mu.Unlock()
	}
}

func (a *Arena) prot() osfacade.Prot {
	switch a.kind {
	case KindExecutable:
		return osfacade.ProtRead | osfacade.ProtExec
	default:
		return osfacade.ProtRead | osfacade.ProtWrite
	}
}

// Alloc bump-allocates size bytes, reserving and committing a new block from
// facade if the current block cannot satisfy the request.
func (a *Arena) Alloc(ctx context.Context, size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	a.lock()
	defer a.unlock()

	if a.frozen {
		return 0, fmt.Errorf("heap: arena is frozen read-only")
	}

	if n := len(a.blocks); n > 0 {
		b := a.blocks[n-1]
		if b.region.Size-b.used >= size {
			addr := b.region.Base + b.used
			b.used += size
			return addr, nil
		}
	}

	blockSz := uintptr(blockSize)
	if size > blockSz {
		blockSz = size
	}
	region, err := a.facade.Reserve(ctx, blockSz, 0)
	if err != nil {
		return 0, fmt.Errorf("heap: reserve: %w", err)
	}
	commitProt := a.prot()
	if a.kind == KindExecutable {
		// Commit writable so the block can be populated; the block keeps
		// this protection (pkg/cache does not call Protect on it).
		commitProt = osfacade.ProtRead | osfacade.ProtWrite
	}
	if err := a.facade.Commit(ctx, region, commitProt); err != nil {
		return 0, fmt.Errorf("heap: commit: %w", err)
	}
	b := &block{region: region, used: size}
	a.blocks = append(a.blocks, b)
	return region.Base, nil
}

// Freeze makes a KindProtected arena read-only; subsequent Alloc calls fail.
// Modeled on spec.md §9's note that an engine-handle design makes the
// source's "protect data-section" dance unnecessary for ordinary fields,
// but some state (e.g. a frozen persisted-cache index, §6) genuinely wants
// OS-enforced immutability after initialization.
func (a *Arena) Freeze(ctx context.Context) error {
	if a.kind != KindProtected {
		return fmt.Errorf("heap: Freeze only valid for KindProtected arenas")
	}
	a.lock()
	defer a.unlock()
	for _, b := range a.blocks {
		if err := a.facade.Protect(ctx, b.region, osfacade.ProtRead); err != nil {
			return err
		}
	}
	a.frozen = true
	return nil
}

// Release frees every block back to the OS facade. Callers must ensure no
// thread holds a reference into this arena (the same safe-point discipline
// pkg/cache uses before reclaiming a unit).
func (a *Arena) Release(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	for _, b := range a.blocks {
		if err := a.facade.Free(ctx, b.region); err != nil {
			return dynerr.Fatal("heap: release", err)
		}
	}
	a.blocks = nil
	return nil
}
