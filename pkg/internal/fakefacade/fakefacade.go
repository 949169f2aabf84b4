// Package fakefacade provides an in-memory osfacade.Facade for tests, so
// pkg/heap, pkg/cache, and friends can be exercised without a real OS memory
// mapping layer (spec.md §1 scopes the concrete per-OS facade out of core).
package fakefacade

import (
	"context"
	"fmt"
	"sync"

	"dynacore.dev/dynacore/pkg/osfacade"
)

// Facade backs every Reserve with a fresh, ever-increasing fake address
// range and keeps only bookkeeping behind it, no backing memory, so a fake
// address must never be dereferenced (none of this module's tests do); the
// bookkeeping — sizes, protections, overlap — behaves like a real
// allocator.
type Facade struct {
	mu       sync.Mutex
	next     uintptr
	regions  map[uintptr]*mapping
	handlers []func(rec osfacade.ExceptionRecord) bool
}

type mapping struct {
	region osfacade.Region
	prot   osfacade.Prot
	state  osfacade.State
}

// New returns an empty fake facade. base is the first address handed out by
// Reserve, kept well away from zero so a stray zero-value uintptr can never
// alias into a real region.
func New(base uintptr) *Facade {
	if base == 0 {
		base = 0x10000000
	}
	return &Facade{next: base, regions: make(map[uintptr]*mapping)}
}

func (f *Facade) Reserve(ctx context.Context, size uintptr, preferred uintptr) (osfacade.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := f.next
	f.next += size
	// Pad so consecutive regions never abut, matching a real allocator's
	// guard-page behavior closely enough for offset-arithmetic tests.
	f.next += 0x1000
	r := osfacade.Region{Base: base, Size: size}
	f.regions[base] = &mapping{region: r, state: osfacade.StateReserved}
	return r, nil
}

func (f *Facade) Commit(ctx context.Context, region osfacade.Region, prot osfacade.Prot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.regions[region.Base]
	if !ok {
		return fmt.Errorf("fakefacade: Commit on unreserved region %#x", region.Base)
	}
	m.state = osfacade.StateCommitted
	m.prot = prot
	return nil
}

func (f *Facade) Protect(ctx context.Context, region osfacade.Region, prot osfacade.Prot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.regions[region.Base]
	if !ok {
		return fmt.Errorf("fakefacade: Protect on unknown region %#x", region.Base)
	}
	m.prot = prot
	return nil
}

func (f *Facade) Free(ctx context.Context, region osfacade.Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, region.Base)
	return nil
}

func (f *Facade) Query(ctx context.Context, addr uintptr) (osfacade.MappingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for base, m := range f.regions {
		if addr >= base && addr < base+m.region.Size {
			return osfacade.MappingInfo{Region: m.region, Prot: m.prot, State: m.state, Type: "anon"}, nil
		}
	}
	return osfacade.MappingInfo{State: osfacade.StateFree}, nil
}

func (f *Facade) MapFile(ctx context.Context, path string, offset, size uintptr, prot osfacade.Prot) (osfacade.Region, error) {
	return f.Reserve(ctx, size, 0)
}

func (f *Facade) UnmapFile(ctx context.Context, region osfacade.Region) error {
	return f.Free(ctx, region)
}

func (f *Facade) InstallExceptionHandler(cb func(rec osfacade.ExceptionRecord) (handled bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, cb)
	return nil
}

func (f *Facade) RaiseExceptionToApp(rec osfacade.ExceptionRecord, context []byte) error {
	return nil
}

// Deliver feeds rec to every installed handler, for tests that exercise
// pkg/async's InstallExceptionHandler wiring.
func (f *Facade) Deliver(rec osfacade.ExceptionRecord) bool {
	f.mu.Lock()
	handlers := append([]func(osfacade.ExceptionRecord) bool(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h(rec) {
			return true
		}
	}
	return false
}
