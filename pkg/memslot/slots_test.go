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

package memslot

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestSlots(t *testing.T, slots ...Slot) *Slots {
	t.Helper()
	ss := New()
	for _, s := range slots {
		if err := ss.Add(s); err != nil {
			t.Fatalf("Add(%v) failed: %v", s, err)
		}
	}
	return ss
}

func TestAdd(t *testing.T) {
	for _, tc := range []struct {
		name string
		add  Slot
		want error
	}{
		{name: "disjoint", add: Slot{ID: 3, BaseGFN: 0x300, NPages: 0x100}},
		{name: "adjacent below", add: Slot{ID: 3, BaseGFN: 0x0, NPages: 0x100}},
		{name: "duplicate id", add: Slot{ID: 1, BaseGFN: 0x1000, NPages: 1}, want: ErrSlotExists},
		{name: "overlap end", add: Slot{ID: 3, BaseGFN: 0x1ff, NPages: 1}, want: ErrOverlap},
		{name: "overlap start", add: Slot{ID: 3, BaseGFN: 0xff, NPages: 2}, want: ErrOverlap},
		{name: "covers", add: Slot{ID: 3, BaseGFN: 0, NPages: 0x1000}, want: ErrOverlap},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ss := newTestSlots(t,
				Slot{ID: 1, BaseGFN: 0x100, NPages: 0x100},
				Slot{ID: 2, BaseGFN: 0x200, NPages: 0x100},
			)
			err := ss.Add(tc.add)
			if tc.want == nil && err != nil {
				t.Errorf("Add(%v) failed: %v", tc.add, err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("Add(%v) = %v, want %v", tc.add, err, tc.want)
			}
		})
	}
}

func TestAddInvalid(t *testing.T) {
	ss := New()
	for _, s := range []Slot{
		{ID: 1, BaseGFN: 0x100},
		{ID: 1, BaseGFN: ^uint64(0), NPages: 2},
	} {
		if err := ss.Add(s); err == nil {
			t.Errorf("Add(%v) succeeded", s)
		}
	}
}

func TestLookup(t *testing.T) {
	ss := newTestSlots(t,
		Slot{ID: 7, BaseGFN: 0x100, NPages: 0x10},
		Slot{ID: 9, BaseGFN: 0x200, NPages: 0x10},
	)
	type result struct {
		ID     uint32
		Offset uint64
		OK     bool
	}
	for gfn, want := range map[uint64]result{
		0x0:   {},
		0x100: {ID: 7, Offset: 0, OK: true},
		0x10f: {ID: 7, Offset: 0xf, OK: true},
		0x110: {},
		0x205: {ID: 9, Offset: 5, OK: true},
		0x210: {},
	} {
		var got result
		got.ID, got.Offset, got.OK = ss.Lookup(gfn)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Lookup(%#x) mismatch (-want +got):\n%s", gfn, diff)
		}
	}
}

func TestMarkDirty(t *testing.T) {
	ss := newTestSlots(t, Slot{ID: 4, BaseGFN: 0x1000, NPages: 100})
	id, offset, first, err := ss.MarkDirty(0x1005)
	if err != nil || id != 4 || offset != 5 || !first {
		t.Errorf("MarkDirty(0x1005) = %d, %d, %t, %v, want 4, 5, true, nil", id, offset, first, err)
	}
	if _, _, first, _ := ss.MarkDirty(0x1005); first {
		t.Errorf("MarkDirty of a dirty page reported it clean")
	}
	if _, _, _, err := ss.MarkDirty(0x2000); !errors.Is(err, ErrNoSlot) {
		t.Errorf("MarkDirty outside of slots = %v, want ErrNoSlot", err)
	}

	ss.ClearDirty(4, 5, 1)
	if ss.IsDirty(4, 5) {
		t.Errorf("page still dirty after ClearDirty")
	}
	if _, _, first, _ := ss.MarkDirty(0x1005); !first {
		t.Errorf("MarkDirty after ClearDirty did not report a clean page")
	}
}

func TestClearDirty(t *testing.T) {
	for _, tc := range []struct {
		name   string
		slot   uint32
		offset uint64
		mask   uint64
		want   []uint64
	}{
		{
			name:   "masked run",
			slot:   1,
			offset: 60,
			mask:   0b10111,
			want:   []uint64{3, 63, 99},
		},
		{
			name:   "mask past end of slot",
			slot:   1,
			offset: 96,
			mask:   ^uint64(0),
			want:   []uint64{3, 60, 61, 62, 63, 64},
		},
		{
			name:   "unknown slot",
			slot:   2,
			offset: 0,
			mask:   ^uint64(0),
			want:   []uint64{3, 60, 61, 62, 63, 64, 99},
		},
		{
			name:   "offset outside of slot",
			slot:   1,
			offset: 100,
			mask:   1,
			want:   []uint64{3, 60, 61, 62, 63, 64, 99},
		},
		{
			name:   "clean pages",
			slot:   1,
			offset: 4,
			mask:   0b111,
			want:   []uint64{3, 60, 61, 62, 63, 64, 99},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ss := newTestSlots(t, Slot{ID: 1, BaseGFN: 0x500, NPages: 100})
			for _, off := range []uint64{3, 60, 61, 62, 63, 64, 99} {
				ss.MarkDirty(0x500 + off)
			}
			ss.ClearDirty(tc.slot, tc.offset, tc.mask)
			if diff := cmp.Diff(tc.want, ss.Dirty(1)); diff != "" {
				t.Errorf("dirty pages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConcurrentMarkDirty(t *testing.T) {
	ss := newTestSlots(t, Slot{ID: 1, BaseGFN: 0, NPages: 256})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for gfn := uint64(0); gfn < 256; gfn++ {
				if _, _, first, err := ss.MarkDirty(gfn); err != nil {
					t.Errorf("MarkDirty(%d) failed: %v", gfn, err)
				} else if first {
					mu.Lock()
					firsts++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if firsts != 256 {
		t.Errorf("%d pages reported clean, want 256", firsts)
	}
}
