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

	"golang.org/x/sys/unix"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/memutil"
)

// Descriptor describes the shared memory files backing a ring. A consumer
// maps them to read entries and publish its fetch index; see NewConsumer.
type Descriptor struct {
	// EntriesFD is the memfd holding the entry array.
	EntriesFD int

	// EntriesLength is the mapped length of EntriesFD, a page multiple.
	EntriesLength int

	// Entries is the number of entries in the ring.
	Entries uint32

	// IndicesFD is the memfd holding the published kvm.DirtyRingIndices.
	IndicesFD int

	// IndicesLength is the mapped length of IndicesFD.
	IndicesLength int
}

// storage holds the shared mappings of a ring. All fields are immutable
// between allocate and release.
type storage struct {
	desc Descriptor

	// entries is the mapped entry array. Entry i lives at
	// entries[i*kvm.DirtyGFNSize:].
	entries []byte

	// indices is the mapped kvm.DirtyRingIndices.
	indices []byte
}

// allocate creates and maps zero-filled storage for n entries.
func (s *storage) allocate(index int, n uint32) error {
	success := false
	s.desc = Descriptor{EntriesFD: -1, IndicesFD: -1, Entries: n}
	defer func() {
		if !success {
			s.release()
		}
	}()

	var err error
	s.desc.EntriesFD, s.desc.EntriesLength, err = memutil.CreateSealedFile(fmt.Sprintf("dirty_ring_%d", index), int(n)*kvm.DirtyGFNSize)
	if err != nil {
		return err
	}
	if s.entries, err = memutil.MapShared(s.desc.EntriesFD, s.desc.EntriesLength); err != nil {
		return fmt.Errorf("failed to map ring entries: %w", err)
	}
	s.desc.IndicesFD, s.desc.IndicesLength, err = memutil.CreateSealedFile(fmt.Sprintf("dirty_ring_indices_%d", index), kvm.DirtyRingIndicesSize)
	if err != nil {
		return err
	}
	if s.indices, err = memutil.MapShared(s.desc.IndicesFD, s.desc.IndicesLength); err != nil {
		return fmt.Errorf("failed to map ring indices: %w", err)
	}
	success = true
	return nil
}

// release unmaps and closes everything allocate created.
func (s *storage) release() {
	if s.entries != nil {
		memutil.UnmapSlice(s.entries)
		s.entries = nil
	}
	if s.indices != nil {
		memutil.UnmapSlice(s.indices)
		s.indices = nil
	}
	if s.desc.EntriesFD >= 0 {
		unix.Close(s.desc.EntriesFD)
		s.desc.EntriesFD = -1
	}
	if s.desc.IndicesFD >= 0 {
		unix.Close(s.desc.IndicesFD)
		s.desc.IndicesFD = -1
	}
}

func (s *storage) fetchIndex() *uint32 {
	return memutil.Uint32At(s.indices, kvm.DirtyRingFetchIndexOffset)
}

func (s *storage) availIndex() *uint32 {
	return memutil.Uint32At(s.indices, kvm.DirtyRingAvailIndexOffset)
}

// entry returns the bytes of the entry at counter value i.
func (s *storage) entry(i uint32) []byte {
	off := int(i&(s.desc.Entries-1)) * kvm.DirtyGFNSize
	return s.entries[off : off+kvm.DirtyGFNSize]
}

// page returns page i of the entry array.
func (s *storage) page(i int) ([]byte, error) {
	ps := memutil.PageSize
	if i < 0 || (i+1)*ps > len(s.entries) {
		return nil, fmt.Errorf("page %d out of range, ring has %d pages", i, len(s.entries)/ps)
	}
	return s.entries[i*ps : (i+1)*ps], nil
}
