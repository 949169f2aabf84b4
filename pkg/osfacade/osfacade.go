// Package osfacade declares the OS-specific memory-query/-map/-protect and
// exception-installation primitives consumed by the engine (spec.md §6 "To
// the OS memory facade"). Concrete implementations live outside this core
// (spec.md §1 scopes per-OS system-call number tables, loader integration,
// and the injector out of core); this package fixes the interface so the
// cache, heap, and async interposer can be written against it and unit
// tested against a fake.
package osfacade

import "context"

// Prot is a bitmask of memory protection bits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// State classifies a queried region.
type State uint8

const (
	StateFree State = iota
	StateReserved
	StateCommitted
)

// Region describes a range of address space.
type Region struct {
	Base uintptr
	Size uintptr
}

// MappingInfo is the result of Query: what, if anything, backs an address.
type MappingInfo struct {
	Region
	Prot  Prot
	State State
	// Type is an opaque OS-specific classification (e.g. "image",
	// "stack", "anon"); the engine only compares it, never interprets it.
	Type string
}

// ExceptionRecord is an opaque, OS-specific description of a delivered
// signal/exception; the async interposer (pkg/async) only threads it
// through to translation and re-delivery, never inspects its fields.
type ExceptionRecord struct {
	Code    int32
	Addr    uintptr
	Context []byte
}

// Facade is the engine's view of OS memory and exception-delivery
// primitives, consumed by pkg/heap, pkg/cache, and pkg/async.
type Facade interface {
	// Reserve reserves size bytes of address space, preferring (but not
	// requiring) the preferred base.
	Reserve(ctx context.Context, size uintptr, preferred uintptr) (Region, error)
	// Commit backs a previously reserved region with physical pages at
	// the given protection.
	Commit(ctx context.Context, region Region, prot Prot) error
	// Protect changes a committed region's protection.
	Protect(ctx context.Context, region Region, prot Prot) error
	// Free releases a region back to the OS.
	Free(ctx context.Context, region Region) error
	// Query reports what backs the given address.
	Query(ctx context.Context, addr uintptr) (MappingInfo, error)
	// MapFile maps a file (used to load a frozen persisted cache,
	// spec.md §6 "Persisted state").
	MapFile(ctx context.Context, path string, offset, size uintptr, prot Prot) (Region, error)
	// UnmapFile unmaps a region created by MapFile.
	UnmapFile(ctx context.Context, region Region) error
	// InstallExceptionHandler registers cb as the top-level handler for
	// every signal/exception the engine needs to own (spec.md §4.10).
	InstallExceptionHandler(cb func(rec ExceptionRecord) (handled bool)) error
	// RaiseExceptionToApp re-raises rec to the application's own handler
	// with the given (already-translated) machine context.
	RaiseExceptionToApp(rec ExceptionRecord, context []byte) error
}
