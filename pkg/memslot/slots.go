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

// Package memslot tracks the guest memory slots of a VM and the dirty state
// of their pages.
//
// A page is dirty from the first write after it was last harvested until the
// harvested range is cleared again with ClearDirty. Only the first write
// reports the page, which is what bounds the number of ring entries a vCPU
// produces between two harvests.
package memslot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"gvisor.dev/dirtyring/pkg/bitmap"
	"gvisor.dev/dirtyring/pkg/log"
)

var (
	// ErrNoSlot is returned for a guest frame outside of every slot.
	ErrNoSlot = errors.New("no memory slot")

	// ErrSlotExists is returned by Add for a duplicate slot id.
	ErrSlotExists = errors.New("memory slot already exists")

	// ErrOverlap is returned by Add for a slot overlapping another one.
	ErrOverlap = errors.New("memory slot overlaps an existing slot")
)

// invalidClearLog reports clears of ranges outside of every slot. Those come
// from memory shared with the harvester and may be arbitrary.
var invalidClearLog = log.BasicRateLimitedLogger(time.Second)

// Slot describes guest frames [BaseGFN, BaseGFN+NPages).
type Slot struct {
	ID      uint32
	BaseGFN uint64
	NPages  uint64
}

// End returns the first guest frame after s.
func (s Slot) End() uint64 {
	return s.BaseGFN + s.NPages
}

// String implements fmt.Stringer.String.
func (s Slot) String() string {
	return fmt.Sprintf("slot %d [%#x, %#x)", s.ID, s.BaseGFN, s.End())
}

type slot struct {
	Slot

	// dirty has one bit per page of the slot.
	dirty *bitmap.Bitmap
}

func lessBase(a, b *slot) bool {
	return a.BaseGFN < b.BaseGFN
}

// Slots is the set of memory slots of a VM.
//
// Lookup, MarkDirty and ClearDirty may be called concurrently with each other.
type Slots struct {
	// resetMu is held by harvesters across a fetch and the resets that
	// follow it. See Lock.
	resetMu sync.Mutex

	// mu protects the fields below.
	mu sync.RWMutex

	// byID indexes slots by id.
	byID map[uint32]*slot

	// byBase orders slots by base frame.
	byBase *btree.BTreeG[*slot]
}

// New returns an empty set of slots.
func New() *Slots {
	return &Slots{
		byID:   make(map[uint32]*slot),
		byBase: btree.NewG(2, lessBase),
	}
}

// Add registers s.
func (ss *Slots) Add(s Slot) error {
	if s.NPages == 0 || s.End() < s.BaseGFN {
		return fmt.Errorf("invalid %v", s)
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.byID[s.ID]; ok {
		return fmt.Errorf("%w: %d", ErrSlotExists, s.ID)
	}
	if prev := ss.floor(s.End() - 1); prev != nil && prev.End() > s.BaseGFN {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, s, prev.Slot)
	}
	n := &slot{Slot: s, dirty: bitmap.New(s.NPages)}
	ss.byID[s.ID] = n
	ss.byBase.ReplaceOrInsert(n)
	logrus.WithField("slot", s.ID).Debugf("Memory slot added: %v", s)
	return nil
}

// Len returns the number of slots.
func (ss *Slots) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.byID)
}

// floor returns the slot with the largest base frame not above gfn.
//
// Preconditions: ss.mu is locked.
func (ss *Slots) floor(gfn uint64) *slot {
	var found *slot
	ss.byBase.DescendLessOrEqual(&slot{Slot: Slot{BaseGFN: gfn}}, func(s *slot) bool {
		found = s
		return false
	})
	return found
}

// find returns the slot containing gfn.
//
// Preconditions: ss.mu is locked.
func (ss *Slots) find(gfn uint64) (*slot, bool) {
	s := ss.floor(gfn)
	if s == nil || gfn >= s.End() {
		return nil, false
	}
	return s, true
}

// Lookup translates a guest frame to a slot id and page offset.
func (ss *Slots) Lookup(gfn uint64) (uint32, uint64, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.find(gfn)
	if !ok {
		return 0, 0, false
	}
	return s.ID, gfn - s.BaseGFN, true
}

// MarkDirty marks the page at gfn dirty. It returns the slot id and page
// offset, and whether the page was clean before. Only the caller that
// observes a clean page must record it in a dirty ring.
func (ss *Slots) MarkDirty(gfn uint64) (uint32, uint64, bool, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.find(gfn)
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: gfn %#x", ErrNoSlot, gfn)
	}
	offset := gfn - s.BaseGFN
	return s.ID, offset, s.dirty.TestAndAdd(offset), nil
}

// IsDirty returns whether page offset of slot id is dirty.
func (ss *Slots) IsDirty(id uint32, offset uint64) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.byID[id]
	if !ok || offset >= s.NPages {
		return false
	}
	return s.dirty.Test(offset)
}

// Dirty returns the offsets of the dirty pages of slot id.
func (ss *Slots) Dirty(id uint32) []uint64 {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.byID[id]
	if !ok {
		return nil
	}
	return s.dirty.ToSlice()
}

// ClearDirty implements dirtyring.Clearer.ClearDirty. Bit i of mask denotes
// page offset+i of slot id. Unknown slots and pages outside of the slot are
// ignored.
func (ss *Slots) ClearDirty(id uint32, offset, mask uint64) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.byID[id]
	if !ok {
		invalidClearLog.Warningf("Ignoring dirty clear of unknown memory slot %d", id)
		return
	}
	if offset >= s.NPages {
		invalidClearLog.Warningf("Ignoring dirty clear of page %d beyond %v", offset, s.Slot)
		return
	}
	s.dirty.ClearMask(offset, mask)
}

// Lock serializes harvests. It must be held from the time a harvester
// fetches ring entries until the matching resets complete, and must not be
// held by a producer.
func (ss *Slots) Lock() {
	ss.resetMu.Lock()
}

// Unlock releases the lock taken by Lock.
func (ss *Slots) Unlock() {
	ss.resetMu.Unlock()
}
