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

package kvm

import (
	"bytes"
	"testing"
)

func TestDirtyGFNLayout(t *testing.T) {
	g := DirtyGFN{Slot: 0x04030201, Offset: 0x0c0b0a0908070605}
	buf := make([]byte, g.SizeBytes()+1)
	rest := g.MarshalBytes(buf)
	if len(rest) != 1 {
		t.Fatalf("MarshalBytes left %d bytes, want 1", len(rest))
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0}
	if !bytes.Equal(buf, want) {
		t.Errorf("MarshalBytes = %v, want %v", buf, want)
	}
}

func TestDirtyRingIndicesLayout(t *testing.T) {
	buf := []byte{0x10, 0, 0, 0, 0x20, 0, 0, 0}
	var idx DirtyRingIndices
	idx.UnmarshalBytes(buf)
	if idx.FetchIndex != 0x10 || idx.AvailIndex != 0x20 {
		t.Errorf("UnmarshalBytes = %+v, want fetch 0x10 avail 0x20", idx)
	}
	if got := buf[DirtyRingAvailIndexOffset]; got != 0x20 {
		t.Errorf("avail_index offset holds %#x, want 0x20", got)
	}
}

func TestDirtyRingEntries(t *testing.T) {
	for _, tc := range []struct {
		size    uint32
		want    uint32
		wantErr bool
	}{
		{size: 0, wantErr: true},
		{size: 13, wantErr: true},
		{size: 3 * DirtyGFNSize, wantErr: true},
		{size: DirtyGFNSize, want: 1},
		{size: 4096 * DirtyGFNSize, want: 4096},
		{size: DirtyRingMaxEntries * DirtyGFNSize, want: DirtyRingMaxEntries},
		{size: 2 * DirtyRingMaxEntries * DirtyGFNSize, wantErr: true},
	} {
		got, err := DirtyRingEntries(tc.size)
		if tc.wantErr {
			if err == nil {
				t.Errorf("DirtyRingEntries(%d) = %d, want error", tc.size, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("DirtyRingEntries(%d) = %d, %v, want %d, nil", tc.size, got, err, tc.want)
		}
	}
}
