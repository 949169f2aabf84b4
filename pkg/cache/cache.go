// Package cache implements the code cache (spec.md §4.2): a growable set of
// executable units per partition (private/shared/trace), bump-allocated,
// evicted under a FIFO-with-watermark policy. A google/btree index over
// unit base addresses answers "which unit owns this cache PC" for
// translation and synchall without a linear scan, generalizing the linear
// unit list a straightforward port would use.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"dynacore.dev/dynacore/pkg/dynerr"
	"dynacore.dev/dynacore/pkg/fragment"
	"dynacore.dev/dynacore/pkg/heap"
	"dynacore.dev/dynacore/pkg/log"
	"dynacore.dev/dynacore/pkg/osfacade"
)

// Partition identifies which cache the unit belongs to, per spec.md §2's
// "partition private vs shared" and §4.7's trace fragments.
type Partition uint8

const (
	PartitionPrivate Partition = iota
	PartitionShared
	PartitionTrace
	// PartitionPersisted holds fragments mapped read-only from a frozen
	// per-module cache file (spec.md §6 "Persisted state"); it never
	// participates in eviction.
	PartitionPersisted
)

// DefaultUnitSize is the size of one bump-allocated unit.
const DefaultUnitSize = 256 * 1024

// unitEntry is what the btree index stores; sorted by Base.
type unitEntry struct {
	base uintptr
	unit *Unit
}

func unitLess(a, b unitEntry) bool { return a.base < b.base }

// Unit is a contiguous executable region owned by the cache. Fragments are
// bump-allocated into it; a unit becomes reclaimable only when no fragment
// in it holds a live reference (spec.md §4.2 invariant).
type Unit struct {
	ID        uint32
	Partition Partition
	region    osfacade.Region
	used      uintptr
	fragments []fragment.ID // insertion order, oldest first

	// sequence orders units for the FIFO eviction policy: the unit with
	// the smallest sequence among live units is the oldest.
	sequence uint64
}

// Base returns the unit's starting address.
func (u *Unit) Base() uintptr { return u.region.Base }

// Cache owns every unit for one partition set. One Cache instance is shared
// process-wide; per-thread private partitions are distinguished by
// Partition, not by separate Cache instances, so the btree index can answer
// "which unit is this PC in" regardless of partition.
type Cache struct {
	facade osfacade.Facade
	arena  *heap.Arena

	mu           sync.Mutex
	index        *btree.BTreeG[unitEntry]
	units        map[uint32]*Unit
	nextUnitID   uint32
	nextSequence uint64
	liveBytes    map[Partition]uintptr

	// HighWatermark is the live-byte threshold per partition above which
	// the oldest unit is selected for reclaim (spec.md §4.2).
	HighWatermark uintptr
	// MaxUnits bounds how many units a partition may hold before
	// eviction is forced regardless of byte count.
	MaxUnits int
}

// New returns a Cache backed by facade, allocating unit-sized blocks from an
// executable heap arena.
func New(facade osfacade.Facade, watermark uintptr, maxUnits int) *Cache {
	return &Cache{
		facade:        facade,
		arena:         heap.New(facade, heap.KindExecutable, true),
		index:         btree.NewG(8, unitLess),
		units:         make(map[uint32]*Unit),
		liveBytes:     make(map[Partition]uintptr),
		HighWatermark: watermark,
		MaxUnits:      maxUnits,
	}
}

// Reserve reserves size bytes for a fragment in the given partition,
// returning the owning unit and the offset within it. If the current unit
// cannot satisfy the request, a new unit is allocated (up to MaxUnits); if
// the partition budget is exhausted, the caller must Evict before retrying,
// per spec.md §4.2 and §7 "Out of cache memory".
func (c *Cache) Reserve(ctx context.Context, partition Partition, size uintptr) (*Unit, uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range c.units {
		if u.Partition != partition {
			continue
		}
		if u.region.Size-u.used >= size {
			off := u.used
			u.used += size
			c.liveBytes[partition] += size
			return u, off, nil
		}
	}

	if c.countUnitsLocked(partition) >= c.MaxUnits {
		return nil, 0, dynerr.ErrOutOfCache
	}

	unitSize := uintptr(DefaultUnitSize)
	if size > unitSize {
		unitSize = size
	}
	addr, err := c.arena.Alloc(ctx, unitSize)
	if err != nil {
		return nil, 0, fmt.Errorf("cache: %w: %v", dynerr.ErrOutOfCache, err)
	}

	c.nextUnitID++
	c.nextSequence++
	u := &Unit{
		ID:        c.nextUnitID,
		Partition: partition,
		region:    osfacade.Region{Base: addr, Size: unitSize},
		sequence:  c.nextSequence,
	}
	u.used = size
	c.units[u.ID] = u
	c.index.ReplaceOrInsert(unitEntry{base: addr, unit: u})
	c.liveBytes[partition] += size
	return u, 0, nil
}

func (c *Cache) countUnitsLocked(partition Partition) int {
	n := 0
	for _, u := range c.units {
		if u.Partition == partition {
			n++
		}
	}
	return n
}

// RecordFragment tracks that fragment id now lives in unit u, so it can be
// found and unlinked by ReclaimOldest.
func (c *Cache) RecordFragment(u *Unit, id fragment.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u.fragments = append(u.fragments, id)
}

// UnitForPC returns the unit containing addr, or nil. Used by the async
// interposer (pkg/async) and synchall (pkg/synchall) to map a cache PC found in a
// suspended thread's register state back to an owning unit before resolving
// the specific fragment within it.
func (c *Cache) UnitForPC(addr uintptr) *Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	var found *Unit
	c.index.DescendLessOrEqual(unitEntry{base: addr}, func(e unitEntry) bool {
		if addr < e.base+e.unit.region.Size {
			found = e.unit
		}
		return false // only examine the closest unit at or below addr
	})
	return found
}

// OverWatermark reports whether partition's live bytes exceed HighWatermark.
func (c *Cache) OverWatermark(partition Partition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBytes[partition] > c.HighWatermark
}

// OldestUnit returns the lowest-sequence (oldest) live unit in partition, or
// nil if the partition is empty.
func (c *Cache) OldestUnit(partition Partition) *Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest *Unit
	for _, u := range c.units {
		if u.Partition != partition {
			continue
		}
		if oldest == nil || u.sequence < oldest.sequence {
			oldest = u
		}
	}
	return oldest
}

// Reclaim releases unit u's pages back to the facade. The caller is
// responsible for the full eviction protocol first (spec.md §4.2): unlink
// every fragment in u, remove each from its fragment table, unregister its
// translation entries, then synchall every thread through a safe point to
// guarantee none holds a cache PC inside u. Reclaim itself only performs
// the final unmap and bookkeeping removal.
func (c *Cache) Reclaim(ctx context.Context, u *Unit) error {
	c.mu.Lock()
	delete(c.units, u.ID)
	c.index.Delete(unitEntry{base: u.region.Base})
	c.liveBytes[u.Partition] -= u.used
	c.mu.Unlock()

	if err := c.facade.Free(ctx, u.region); err != nil {
		return dynerr.Fatal("cache: reclaim unmap", err)
	}
	log.Debugf("cache: reclaimed unit %d (partition %d, %d bytes)", u.ID, u.Partition, u.used)
	return nil
}

// FragmentsIn returns the fragment IDs recorded as living in u, oldest
// first, for the eviction walk.
func (u *Unit) FragmentsIn() []fragment.ID {
	out := make([]fragment.ID, len(u.fragments))
	copy(out, u.fragments)
	return out
}
