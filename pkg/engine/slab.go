package engine

import (
	"sync"
	"sync/atomic"

	"dynacore.dev/dynacore/pkg/fragment"
)

// slab is the dense, ID-indexed fragment store spec.md §9 calls for in
// place of pointer-linked fragments: "Fragments live in a slab keyed by a
// dense integer id; incoming links carry ids, not pointers; eviction
// invalidates the id, turning subsequent lookups into misses without
// dangling-pointer risk."
type slab struct {
	nextID atomic.Uint32

	mu    sync.RWMutex
	byID  map[fragment.ID]*fragment.Fragment
	entry map[fragment.ID]uintptr // absolute entry PC, for dispatch/linker
}

func newSlab() *slab {
	return &slab{byID: make(map[fragment.ID]*fragment.Fragment), entry: make(map[fragment.ID]uintptr)}
}

// Alloc implements pkg/builder.IDAllocator.
func (s *slab) Alloc() fragment.ID {
	return fragment.ID(s.nextID.Add(1))
}

// Register implements pkg/builder.IDAllocator.Register: records f under its
// own ID with the given absolute entry PC.
func (s *slab) Register(f *fragment.Fragment, entryPC uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[f.ID] = f
	s.entry[f.ID] = entryPC
}

// Get implements pkg/linker.Registry and pkg/dispatch.Registry.
func (s *slab) Get(id fragment.ID) *fragment.Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// EntryPC implements pkg/dispatch.Registry.
func (s *slab) EntryPC(f *fragment.Fragment) uintptr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entry[f.ID]
}

// Remove invalidates id: subsequent Get calls return nil, which the linker
// and dispatch already treat as "this edge's target is gone" (spec.md §9:
// "eviction invalidates the id, turning subsequent lookups into misses
// without dangling-pointer risk").
func (s *slab) Remove(id fragment.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	delete(s.entry, id)
}
