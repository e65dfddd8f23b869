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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// clearCall is a recorded Clearer.ClearDirty call.
type clearCall struct {
	Slot   uint32
	Offset uint64
	Mask   uint64
}

// recorder is a Clearer that records its calls.
type recorder struct {
	calls []clearCall
}

func (r *recorder) ClearDirty(slot uint32, offset, mask uint64) {
	r.calls = append(r.calls, clearCall{slot, offset, mask})
}

type gfn struct {
	slot   uint32
	offset uint64
}

func TestCoalescer(t *testing.T) {
	for _, tc := range []struct {
		name    string
		entries []gfn
		want    []clearCall
	}{
		{
			name:    "single entry",
			entries: []gfn{{1, 42}},
			want:    []clearCall{{1, 42, 1}},
		},
		{
			name:    "forward run",
			entries: []gfn{{1, 0}, {1, 1}, {1, 2}},
			want:    []clearCall{{1, 0, 0b111}},
		},
		{
			name:    "duplicate offset",
			entries: []gfn{{1, 7}, {1, 7}},
			want:    []clearCall{{1, 7, 1}},
		},
		{
			name:    "backward visit rebases",
			entries: []gfn{{1, 5}, {1, 3}},
			want:    []clearCall{{1, 3, 0b101}},
		},
		{
			name:    "forward window edge",
			entries: []gfn{{1, 100}, {1, 163}},
			want:    []clearCall{{1, 100, 1 | 1<<63}},
		},
		{
			name:    "forward beyond window",
			entries: []gfn{{1, 100}, {1, 164}},
			want:    []clearCall{{1, 100, 1}, {1, 164, 1}},
		},
		{
			name:    "backward beyond window",
			entries: []gfn{{1, 100}, {1, 36}},
			want:    []clearCall{{1, 100, 1}, {1, 36, 1}},
		},
		{
			name:    "backward shift would drop bits",
			entries: []gfn{{1, 10}, {1, 73}, {1, 9}},
			want:    []clearCall{{1, 10, 1 | 1<<63}, {1, 9, 1}},
		},
		{
			name:    "backward shift keeps top bit",
			entries: []gfn{{1, 10}, {1, 72}, {1, 9}},
			want:    []clearCall{{1, 9, 0b11 | 1<<63}},
		},
		{
			name:    "slot change",
			entries: []gfn{{1, 0}, {2, 0}},
			want:    []clearCall{{1, 0, 1}, {2, 0, 1}},
		},
		{
			name:    "slot change and back",
			entries: []gfn{{1, 0}, {2, 0}, {1, 1}},
			want:    []clearCall{{1, 0, 1}, {2, 0, 1}, {1, 1, 1}},
		},
		{
			name:    "offset wraps",
			entries: []gfn{{1, ^uint64(0)}, {1, 0}},
			want:    []clearCall{{1, ^uint64(0), 0b11}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				co  coalescer
				rec recorder
			)
			for _, e := range tc.entries {
				co.add(e.slot, e.offset, &rec)
			}
			co.flush(&rec)
			if diff := cmp.Diff(tc.want, rec.calls); diff != "" {
				t.Errorf("ClearDirty calls mismatch (-want +got):\n%s", diff)
			}
			if co.flushes != len(tc.want) {
				t.Errorf("flushes = %d, want %d", co.flushes, len(tc.want))
			}
		})
	}
}

func TestCoalescerFlushIdle(t *testing.T) {
	var (
		co  coalescer
		rec recorder
	)
	co.flush(&rec)
	if len(rec.calls) != 0 {
		t.Errorf("flush of an empty batch called ClearDirty: %v", rec.calls)
	}
}
