// Package seqlock provides the single-writer/many-reader sequence lock used
// by the shared fragment table (spec §4.3): readers sample an epoch before
// and after a lockless probe and retry on mismatch; writers take an
// exclusive critical section and bump the epoch twice (odd while writing).
//
// Grounded on google-gvisor's pkg/sync.SeqCount (see seqcount_test.go for
// the BeginWrite/EndWrite/BeginRead/ReadOk contract this mirrors); the
// underlying counter implementation here is original since the teacher's
// seqcount.go itself was not present in the retrieval pack.
package seqlock

import (
	"sync"
	"sync/atomic"
)

// SeqCount is a sequence lock. The zero value is a valid, unlocked SeqCount.
type SeqCount struct {
	epoch uint32
	wmu   sync.Mutex
}

// BeginWrite starts a write critical section. Must be paired with EndWrite.
// Concurrent writers are additionally serialized by wmu, matching §5's rule
// that the shared fragment table is single-writer.
func (s *SeqCount) BeginWrite() {
	s.wmu.Lock()
	atomic.AddUint32(&s.epoch, 1)
}

// EndWrite ends a write critical section begun by BeginWrite.
func (s *SeqCount) EndWrite() {
	atomic.AddUint32(&s.epoch, 1)
	s.wmu.Unlock()
}

// BeginRead returns an epoch to later pass to ReadOk. A reader that observes
// an odd epoch raced a writer and must retry immediately.
func (s *SeqCount) BeginRead() uint32 {
	for {
		e := atomic.LoadUint32(&s.epoch)
		if e&1 == 0 {
			return e
		}
	}
}

// ReadOk returns whether the epoch is unchanged since BeginRead, meaning no
// writer's critical section overlapped the read. False means retry from
// BeginRead.
func (s *SeqCount) ReadOk(epoch uint32) bool {
	return atomic.LoadUint32(&s.epoch) == epoch
}
