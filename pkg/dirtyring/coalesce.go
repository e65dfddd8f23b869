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

package dirtyring

import "math/bits"

// maskBits is the number of pages a single ClearDirty call can cover.
const maskBits = 64

// coalescer merges consecutive entries of the same slot into a single
// ClearDirty call while their offsets fit in a window of maskBits pages.
//
// The zero value is ready to use.
type coalescer struct {
	// active is set once the first entry was added and until the next flush.
	active bool

	slot   uint32
	offset uint64

	// mask has bit i set if page offset+i was added. Bit 0 is always set.
	mask uint64

	// flushes counts ClearDirty calls, for metrics.
	flushes int
}

// add merges the entry (slot, offset) into the pending batch, flushing the
// batch to c first if the entry does not fit.
func (co *coalescer) add(slot uint32, offset uint64, c Clearer) {
	if co.active && slot == co.slot {
		// Offsets are arbitrary 64-bit values from shared memory; the
		// two's complement difference is what matters here.
		delta := int64(offset - co.offset)
		if delta >= 0 && delta < maskBits {
			co.mask |= 1 << uint(delta)
			return
		}
		// Backwards visit: rebase on the new offset, unless that would
		// shift set bits out of the mask.
		if delta < 0 && delta > -maskBits {
			shift := int(-delta)
			if bits.Len64(co.mask)+shift <= maskBits {
				co.mask = co.mask<<uint(shift) | 1
				co.offset = offset
				return
			}
		}
	}
	co.flush(c)
	co.active = true
	co.slot = slot
	co.offset = offset
	co.mask = 1
}

// flush passes the pending batch, if any, to c.
func (co *coalescer) flush(c Clearer) {
	if !co.active {
		return
	}
	c.ClearDirty(co.slot, co.offset, co.mask)
	co.flushes++
	co.active = false
}
