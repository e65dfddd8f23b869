// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

// Package dirtyring implements the dirty page ring: a shared memory queue in
// which a virtual CPU records the guest pages it dirtied, and from which a
// less-privileged harvester collects and acknowledges them.
//
// Each ring has exactly one producer (its vCPU, or a caller holding the
// default-ring lock, see Set) and one consumer. The producer owns the dirty
// index and publishes it as avail_index. The harvester publishes how far it
// has read as fetch_index. Reset then walks the acknowledged range, hands the
// pages back to a Clearer and advances the reset index.
//
// Example usage is as follows:
//
//	softFull, err := r.Push(slot, offset, true /* owned */)
//
//	entries := c.Fetch(0)
//	// Copy out the pages named by entries.
//	c.Publish()
//
//	n, err := r.Reset(clearer)
package dirtyring

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
)

// Clearer re-arms dirty tracking for pages that were harvested.
//
// ClearDirty is called with a memory slot, a base page offset within the slot
// and a mask in which bit i denotes page offset+i. Bits may already be clear.
// The slot and offset originate from memory shared with the harvester and
// must be validated by the implementation.
type Clearer interface {
	ClearDirty(slot uint32, offset, mask uint64)
}

// ClearerFunc adapts a function to the Clearer interface.
type ClearerFunc func(slot uint32, offset, mask uint64)

// ClearDirty implements Clearer.ClearDirty.
func (f ClearerFunc) ClearDirty(slot uint32, offset, mask uint64) {
	f(slot, offset, mask)
}

// Options configures a Ring.
type Options struct {
	// Index identifies the ring, typically the owning vCPU id.
	Index int

	// SizeBytes is the size of the entry array in bytes. It must be a
	// multiple of kvm.DirtyGFNSize holding a power-of-two number of entries.
	SizeBytes uint32

	// ExtraReserved is the number of entries held back from the soft limit
	// in addition to kvm.DirtyRingReservedEntries.
	ExtraReserved uint32
}

// ReservedEntries returns the number of entries between the soft limit and
// the capacity of a ring with the given extra reservation.
func ReservedEntries(extra uint32) uint32 {
	return kvm.DirtyRingReservedEntries + extra
}

// Ring is a single dirty ring.
type Ring struct {
	storage

	// index is the ring index. index is immutable.
	index int

	// size is the number of entries, a power of two. size is immutable.
	size uint32

	// softLimit is the used count at which the producer should let the
	// harvester drain the ring. softLimit is immutable.
	softLimit uint32

	// dirtyIndex is the number of entries ever pushed. It is written only by
	// the producer, and read atomically by Reset.
	dirtyIndex atomic.Uint32

	// resetIndex is the number of entries ever reset. It is written only by
	// Reset, and read atomically by Push.
	resetIndex atomic.Uint32

	releaseOnce sync.Once
}

// New allocates a ring. The returned ring must be released with Release.
func New(opts Options) (*Ring, error) {
	n, err := kvm.DirtyRingEntries(opts.SizeBytes)
	if err != nil {
		return nil, &AllocationError{Index: opts.Index, SizeBytes: opts.SizeBytes, Err: fmt.Errorf("%w: %v", ErrInvalidSize, err)}
	}
	reserved := ReservedEntries(opts.ExtraReserved)
	if n <= reserved {
		return nil, &AllocationError{Index: opts.Index, SizeBytes: opts.SizeBytes, Err: fmt.Errorf("%w: %d entries do not exceed %d reserved entries", ErrInvalidSize, n, reserved)}
	}
	r := &Ring{
		index:     opts.Index,
		size:      n,
		softLimit: n - reserved,
	}
	if err := r.allocate(opts.Index, n); err != nil {
		return nil, &AllocationError{Index: opts.Index, SizeBytes: opts.SizeBytes, Err: err}
	}
	logrus.WithFields(logrus.Fields{"ring": r.index, "entries": r.size, "softLimit": r.softLimit}).Debug("Dirty ring allocated")
	return r, nil
}

// Release frees the ring storage. Descriptors previously returned by
// Descriptor become invalid. Successive calls have no effect.
func (r *Ring) Release() {
	r.releaseOnce.Do(r.release)
}

// Index returns the ring index.
func (r *Ring) Index() int {
	return r.index
}

// Size returns the number of entries in the ring.
func (r *Ring) Size() uint32 {
	return r.size
}

// SoftLimit returns the used count at which the ring is soft full.
func (r *Ring) SoftLimit() uint32 {
	return r.softLimit
}

// Descriptor returns the shared memory files backing r.
func (r *Ring) Descriptor() Descriptor {
	return r.desc
}

// Page returns page i of the entry array, for mapping it into the harvester.
func (r *Ring) Page(i int) ([]byte, error) {
	return r.page(i)
}

// Used returns the number of pushed entries that were not yet reset.
func (r *Ring) Used() uint32 {
	return r.dirtyIndex.Load() - r.resetIndex.Load()
}

// SoftFull returns true if the ring reached its soft limit.
func (r *Ring) SoftFull() bool {
	return r.Used() >= r.softLimit
}

// Full returns true if no entry can be pushed.
func (r *Ring) Full() bool {
	return r.Used() >= r.size
}

// Push records that page offset of memory slot slot was dirtied, and returns
// whether the ring is soft full afterwards.
//
// owned indicates that the caller is the context owning this ring, which is
// allowed to push past the soft limit. Callers without a dedicated owner get
// ErrBusy once the ring is soft full.
//
// Preconditions: The caller is the only producer on r, either by owning it or
// by holding the lock that Set.Select returns with it. If owned is set, the
// ring is not full; capacity planning must make a full ring unreachable.
func (r *Ring) Push(slot uint32, offset uint64, owned bool) (bool, error) {
	dirty := r.dirtyIndex.Load()
	used := dirty - r.resetIndex.Load()
	if used > r.size {
		panic(fmt.Sprintf("dirty ring %d corrupted: dirty index %d, %d entries used of %d", r.index, dirty, used, r.size))
	}
	if !owned && used >= r.softLimit {
		busyPushes.Inc()
		return false, ErrBusy
	}
	if used == r.size {
		panic(fmt.Sprintf("dirty ring %d full: owner pushed %d entries without a reset", r.index, used))
	}

	e := kvm.DirtyGFN{Slot: slot, Offset: offset}
	e.MarshalBytes(r.entry(dirty))

	// Both stores are releases: the entry is visible before either index
	// covering it. The harvester reads entries only up to avail_index.
	dirty++
	r.dirtyIndex.Store(dirty)
	atomic.StoreUint32(r.availIndex(), dirty)
	pushes.Inc()

	softFull := dirty-r.resetIndex.Load() >= r.softLimit
	if softFull {
		softFullPushes.Inc()
	}
	return softFull, nil
}

// Reset hands every entry acknowledged by the harvester to c, coalescing runs
// of nearby pages in the same slot, and makes their ring slots reusable. It
// returns the number of entries reset.
//
// The fetch index is read once and validated before use; a harvester that
// claims to have fetched more than was pushed gets ErrInvalidRange and
// nothing is reset.
//
// Preconditions: The caller serializes resets of r, and does not hold any
// lock a producer on r may be waiting for.
func (r *Ring) Reset(c Clearer) (int, error) {
	fetch := atomic.LoadUint32(r.fetchIndex())
	reset := r.resetIndex.Load()
	pending := fetch - reset
	if used := r.dirtyIndex.Load() - reset; pending > r.size || pending > used {
		invalidRanges.Inc()
		return 0, fmt.Errorf("%w: ring %d fetch index %d, reset index %d, %d entries used", ErrInvalidRange, r.index, fetch, reset, used)
	}
	if pending == 0 {
		return 0, nil
	}

	var co coalescer
	for reset != fetch {
		var e kvm.DirtyGFN
		e.UnmarshalBytes(r.entry(reset))
		// The slot may be reused once the entry has been copied out.
		reset++
		r.resetIndex.Store(reset)
		co.add(e.Slot, e.Offset, c)
	}
	co.flush(c)

	resetEntries.Add(float64(pending))
	resetFlushes.Add(float64(co.flushes))
	return int(pending), nil
}
