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

package dirtyring

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/memutil"
)

// Consumer is the harvester side of a ring. It may live in another process
// than the producer; it only needs the Descriptor's files.
//
// A Consumer is not safe for concurrent use.
type Consumer struct {
	// entries is a read-only mapping of the entry array.
	entries []byte

	// indices is a read/write mapping of kvm.DirtyRingIndices.
	indices []byte

	size uint32

	// fetch is the number of entries fetched so far. It is published to
	// the producer by Publish.
	fetch uint32
}

// NewConsumer maps the ring described by d.
func NewConsumer(d Descriptor) (*Consumer, error) {
	if d.Entries == 0 || d.Entries&(d.Entries-1) != 0 || int(d.Entries)*kvm.DirtyGFNSize > d.EntriesLength {
		return nil, fmt.Errorf("invalid ring descriptor: %d entries in %d bytes", d.Entries, d.EntriesLength)
	}
	entries, err := memutil.MapSlice(0, uintptr(d.EntriesLength), unix.PROT_READ, unix.MAP_SHARED, uintptr(d.EntriesFD), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map ring entries: %w", err)
	}
	indices, err := memutil.MapShared(d.IndicesFD, d.IndicesLength)
	if err != nil {
		memutil.UnmapSlice(entries)
		return nil, fmt.Errorf("failed to map ring indices: %w", err)
	}
	c := &Consumer{
		entries: entries,
		indices: indices,
		size:    d.Entries,
	}
	c.fetch = atomic.LoadUint32(c.fetchIndex())
	return c, nil
}

// Release unmaps the ring.
func (c *Consumer) Release() {
	memutil.UnmapSlice(c.entries)
	memutil.UnmapSlice(c.indices)
	c.entries = nil
	c.indices = nil
}

func (c *Consumer) fetchIndex() *uint32 {
	return memutil.Uint32At(c.indices, kvm.DirtyRingFetchIndexOffset)
}

func (c *Consumer) availIndex() *uint32 {
	return memutil.Uint32At(c.indices, kvm.DirtyRingAvailIndexOffset)
}

// Avail returns the number of entries pushed but not yet fetched.
func (c *Consumer) Avail() uint32 {
	n := atomic.LoadUint32(c.availIndex()) - c.fetch
	if n > c.size {
		// The producer never laps the harvester.
		n = c.size
	}
	return n
}

// Fetch returns up to max entries (all available if max <= 0) in the order
// they were pushed. Fetched entries are not reusable by the producer until
// Publish is called and the ring is reset.
func (c *Consumer) Fetch(max int) []kvm.DirtyGFN {
	n := c.Avail()
	if max > 0 && uint32(max) < n {
		n = uint32(max)
	}
	out := make([]kvm.DirtyGFN, n)
	for i := range out {
		off := int(c.fetch&(c.size-1)) * kvm.DirtyGFNSize
		out[i].UnmarshalBytes(c.entries[off : off+kvm.DirtyGFNSize])
		c.fetch++
	}
	return out
}

// Publish declares every fetched entry consumed, allowing the next reset to
// reclaim them.
func (c *Consumer) Publish() {
	atomic.StoreUint32(c.fetchIndex(), c.fetch)
}

// FetchIndex returns the local fetch position.
func (c *Consumer) FetchIndex() uint32 {
	return c.fetch
}
