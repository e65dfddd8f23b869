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

// Package kvm contains the layout of the dirty ring structures that are
// shared between the hypervisor and the less-privileged harvesting process.
//
// Both structures cross a privilege boundary, so their byte layout is fixed:
// all fields are little-endian and there is no padding.
package kvm

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of all shared dirty ring structures.
var ByteOrder = binary.LittleEndian

// Dirty ring constants.
const (
	// DirtyGFNSize is the size of a single DirtyGFN record in bytes.
	DirtyGFNSize = 12

	// DirtyRingIndicesSize is the size of DirtyRingIndices in bytes.
	DirtyRingIndicesSize = 8

	// DirtyRingReservedEntries is the number of entries always held back
	// from the soft limit, regardless of any per-context reservation.
	DirtyRingReservedEntries = 64

	// DirtyRingMaxEntries is the largest ring supported. The used count of
	// a ring is tracked in 16 bits.
	DirtyRingMaxEntries = 1 << 16

	// DirtyRingFetchIndexOffset is the offset of fetch_index within
	// DirtyRingIndices.
	DirtyRingFetchIndexOffset = 0

	// DirtyRingAvailIndexOffset is the offset of avail_index within
	// DirtyRingIndices.
	DirtyRingAvailIndexOffset = 4
)

// DirtyGFN identifies a dirtied guest page by memory slot and page offset
// within the slot.
//
// Layout:
//
//	+0  slot   u32
//	+4  offset u64
type DirtyGFN struct {
	Slot   uint32
	Offset uint64
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*DirtyGFN) SizeBytes() int {
	return DirtyGFNSize
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (d *DirtyGFN) MarshalBytes(dst []byte) []byte {
	ByteOrder.PutUint32(dst[:4], d.Slot)
	dst = dst[4:]
	ByteOrder.PutUint64(dst[:8], d.Offset)
	return dst[8:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
//
// Each field of src is read exactly once, so a concurrent writer on the
// other side of the mapping cannot change a value after it has been loaded.
func (d *DirtyGFN) UnmarshalBytes(src []byte) []byte {
	d.Slot = ByteOrder.Uint32(src[:4])
	src = src[4:]
	d.Offset = ByteOrder.Uint64(src[:8])
	return src[8:]
}

// String implements fmt.Stringer.
func (d DirtyGFN) String() string {
	return fmt.Sprintf("{slot: %d, offset: %#x}", d.Slot, d.Offset)
}

// DirtyRingIndices is the structure published next to each ring.
//
// FetchIndex is written by the harvester and declares how many entries it has
// consumed. AvailIndex is written by the producer and declares how many entries
// have been pushed. Both are free-running counters; the physical slot of
// counter value i is i & (entries-1).
//
// Layout:
//
//	+0  fetch_index u32
//	+4  avail_index u32
type DirtyRingIndices struct {
	FetchIndex uint32
	AvailIndex uint32
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*DirtyRingIndices) SizeBytes() int {
	return DirtyRingIndicesSize
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (d *DirtyRingIndices) MarshalBytes(dst []byte) []byte {
	ByteOrder.PutUint32(dst[:4], d.FetchIndex)
	dst = dst[4:]
	ByteOrder.PutUint32(dst[:4], d.AvailIndex)
	return dst[4:]
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (d *DirtyRingIndices) UnmarshalBytes(src []byte) []byte {
	d.FetchIndex = ByteOrder.Uint32(src[:4])
	src = src[4:]
	d.AvailIndex = ByteOrder.Uint32(src[:4])
	return src[4:]
}

// DirtyRingEntries converts a ring size in bytes to an entry count. It fails
// unless sizeBytes is a positive multiple of DirtyGFNSize whose entry count
// is a power of two no larger than DirtyRingMaxEntries.
func DirtyRingEntries(sizeBytes uint32) (uint32, error) {
	if sizeBytes == 0 || sizeBytes%DirtyGFNSize != 0 {
		return 0, fmt.Errorf("ring size %d is not a positive multiple of %d", sizeBytes, DirtyGFNSize)
	}
	n := sizeBytes / DirtyGFNSize
	if n&(n-1) != 0 {
		return 0, fmt.Errorf("ring size %d holds %d entries, not a power of two", sizeBytes, n)
	}
	if n > DirtyRingMaxEntries {
		return 0, fmt.Errorf("ring size %d holds %d entries, more than %d", sizeBytes, n, DirtyRingMaxEntries)
	}
	return n, nil
}
