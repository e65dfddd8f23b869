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

package dirtylog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/pkg/memslot"
)

const (
	testEntries = 128
	testBase    = 0x10000
	testPages   = 1024
)

type harvested struct {
	Ring    int
	Entries []kvm.DirtyGFN
}

type fixture struct {
	slots   *memslot.Slots
	rings   *dirtyring.Set
	tracker *Tracker
	got     []harvested

	// onHarvest, if set, runs after each harvested batch is recorded.
	onHarvest func()
}

func newFixture(t *testing.T, vcpus int, retries int) *fixture {
	t.Helper()
	f := &fixture{slots: memslot.New()}
	if err := f.slots.Add(memslot.Slot{ID: 1, BaseGFN: testBase, NPages: testPages}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	rings, err := dirtyring.NewSet(vcpus, dirtyring.Options{SizeBytes: testEntries * kvm.DirtyGFNSize})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	t.Cleanup(rings.Release)
	f.rings = rings
	f.tracker, err = New(f.slots, rings, Config{
		BusyRetries: retries,
		BusyBackoff: time.Microsecond,
		OnHarvest: func(ring int, entries []kvm.DirtyGFN) {
			f.got = append(f.got, harvested{ring, entries})
			if f.onHarvest != nil {
				f.onHarvest()
			}
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(f.tracker.Release)
	return f
}

func (f *fixture) mark(t *testing.T, owner int, page uint64) {
	t.Helper()
	if err := f.tracker.MarkPageDirty(context.Background(), owner, testBase+page); err != nil {
		t.Fatalf("MarkPageDirty(%d, %d) failed: %v", owner, page, err)
	}
}

func TestMarkPageDirtyOnce(t *testing.T) {
	f := newFixture(t, 2, 0)
	f.mark(t, 1, 5)
	f.mark(t, 1, 5)
	f.mark(t, 1, 6)
	if got := f.rings.Ring(1).Used(); got != 2 {
		t.Errorf("ring 1 holds %d entries, want 2", got)
	}
	if got := f.rings.Ring(0).Used(); got != 0 {
		t.Errorf("ring 0 holds %d entries, want 0", got)
	}
}

func TestMarkPageDirtyNoSlot(t *testing.T) {
	f := newFixture(t, 1, 0)
	if err := f.tracker.MarkPageDirty(context.Background(), 0, 1); !errors.Is(err, memslot.ErrNoSlot) {
		t.Errorf("MarkPageDirty outside of slots = %v, want ErrNoSlot", err)
	}
}

func TestHarvest(t *testing.T) {
	f := newFixture(t, 2, 0)
	f.mark(t, 1, 9)
	f.mark(t, 1, 3)
	f.mark(t, dirtyring.NoOwner, 100)

	n, err := f.tracker.Harvest(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Harvest() = %d, %v, want 3, nil", n, err)
	}
	want := []harvested{
		{Ring: 0, Entries: []kvm.DirtyGFN{{Slot: 1, Offset: 100}}},
		{Ring: 1, Entries: []kvm.DirtyGFN{{Slot: 1, Offset: 9}, {Slot: 1, Offset: 3}}},
	}
	if diff := cmp.Diff(want, f.got); diff != "" {
		t.Errorf("harvested entries mismatch (-want +got):\n%s", diff)
	}
	if dirty := f.slots.Dirty(1); len(dirty) != 0 {
		t.Errorf("pages %v still dirty after Harvest", dirty)
	}

	// Harvested pages are reported again on their next write.
	f.mark(t, 1, 9)
	if got := f.rings.Ring(1).Used(); got != 1 {
		t.Errorf("ring 1 holds %d entries, want 1", got)
	}
	if n, err := f.tracker.Harvest(context.Background()); err != nil || n != 1 {
		t.Errorf("second Harvest() = %d, %v, want 1, nil", n, err)
	}
}

func TestExitRequested(t *testing.T) {
	f := newFixture(t, 2, 0)
	limit := int(f.rings.Ring(1).SoftLimit())
	for i := 0; i < limit-1; i++ {
		f.mark(t, 1, uint64(i))
	}
	if f.tracker.ExitRequested(1) {
		t.Fatalf("exit requested below the soft limit")
	}
	f.mark(t, 1, uint64(limit-1))
	if !f.tracker.ExitRequested(1) {
		t.Fatalf("no exit requested at the soft limit")
	}
	if f.tracker.ExitRequested(0) {
		t.Errorf("exit requested for an idle vCPU")
	}
	// The owner keeps pushing until it exits.
	f.mark(t, 1, uint64(limit))

	if _, err := f.tracker.Harvest(context.Background()); err != nil {
		t.Fatalf("Harvest failed: %v", err)
	}
	if f.tracker.ExitRequested(1) {
		t.Errorf("exit still requested after Harvest")
	}
}

func TestUnownedBusyHarvests(t *testing.T) {
	f := newFixture(t, 2, 3)
	limit := int(f.rings.Ring(dirtyring.DefaultRing).SoftLimit())
	for i := 0; i < limit; i++ {
		f.mark(t, dirtyring.NoOwner, uint64(i))
	}
	if !f.rings.Ring(dirtyring.DefaultRing).SoftFull() {
		t.Fatalf("default ring not soft full")
	}
	f.mark(t, dirtyring.NoOwner, uint64(limit))
	if got := f.rings.Ring(dirtyring.DefaultRing).Used(); got != 1 {
		t.Errorf("default ring holds %d entries, want 1", got)
	}
	if len(f.got) != 1 || len(f.got[0].Entries) != limit {
		t.Errorf("busy push did not harvest the default ring: %d harvests", len(f.got))
	}
}

func (f *fixture) fillDefault(t *testing.T) int {
	t.Helper()
	limit := int(f.rings.Ring(dirtyring.DefaultRing).SoftLimit())
	for i := 0; i < limit; i++ {
		f.mark(t, dirtyring.NoOwner, uint64(i))
	}
	return limit
}

func (f *fixture) harvest(t *testing.T) {
	t.Helper()
	if _, err := f.tracker.Harvest(context.Background()); err != nil {
		t.Fatalf("Harvest failed: %v", err)
	}
}

func TestUnownedBusyGivesUp(t *testing.T) {
	f := newFixture(t, 1, 3)
	limit := f.fillDefault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := uint64(limit)
	if err := f.tracker.MarkPageDirty(ctx, dirtyring.NoOwner, testBase+page); !errors.Is(err, dirtyring.ErrBusy) {
		t.Fatalf("MarkPageDirty on a busy ring = %v, want ErrBusy", err)
	}
	if !f.slots.IsDirty(1, page) {
		t.Errorf("page clean after a deferred push")
	}

	// The first harvest pushes the deferred page, the second reports it.
	f.harvest(t)
	if got := f.rings.Ring(dirtyring.DefaultRing).Used(); got != 1 {
		t.Errorf("default ring holds %d entries after harvest, want 1", got)
	}
	f.got = nil
	f.harvest(t)
	want := []harvested{{Ring: 0, Entries: []kvm.DirtyGFN{{Slot: 1, Offset: page}}}}
	if diff := cmp.Diff(want, f.got); diff != "" {
		t.Errorf("harvested entries mismatch (-want +got):\n%s", diff)
	}
	if f.slots.IsDirty(1, page) {
		t.Errorf("page still dirty after being harvested")
	}
}

func TestUnownedGiveUpKeepsConcurrentWrite(t *testing.T) {
	f := newFixture(t, 2, 3)
	f.fillDefault(t)
	const page = 500
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var vcpuErr error
	wrote := false
	f.onHarvest = func() {
		if wrote {
			return
		}
		wrote = true
		// vCPU 1 writes the page whose push is pending, then the writer
		// without an owner gives up.
		vcpuErr = f.tracker.MarkPageDirty(context.Background(), 1, testBase+page)
		cancel()
	}
	if err := f.tracker.MarkPageDirty(ctx, dirtyring.NoOwner, testBase+page); !errors.Is(err, dirtyring.ErrBusy) {
		t.Fatalf("MarkPageDirty on a busy ring = %v, want ErrBusy", err)
	}
	if !wrote || vcpuErr != nil {
		t.Fatalf("vCPU write ran %t, err %v, want true, nil", wrote, vcpuErr)
	}
	if !f.slots.IsDirty(1, page) {
		t.Fatalf("vCPU write to page %d recorded nowhere", page)
	}

	f.got = nil
	f.harvest(t)
	f.harvest(t)
	want := []harvested{{Ring: 0, Entries: []kvm.DirtyGFN{{Slot: 1, Offset: page}}}}
	if diff := cmp.Diff(want, f.got); diff != "" {
		t.Errorf("harvested entries mismatch (-want +got):\n%s", diff)
	}
}

func TestUnownedNoRetries(t *testing.T) {
	f := newFixture(t, 1, 0)
	limit := f.fillDefault(t)
	page := uint64(limit)
	if err := f.tracker.MarkPageDirty(context.Background(), dirtyring.NoOwner, testBase+page); !errors.Is(err, dirtyring.ErrBusy) {
		t.Fatalf("MarkPageDirty with no retries = %v, want ErrBusy", err)
	}
	if len(f.got) != 1 {
		t.Errorf("single attempt harvested %d times, want 1", len(f.got))
	}
	if got := f.rings.Ring(dirtyring.DefaultRing).Used(); got != 0 {
		t.Errorf("default ring holds %d entries, want 0", got)
	}
	if !f.slots.IsDirty(1, page) {
		t.Errorf("page clean after a deferred push")
	}
	f.harvest(t)
	if got := f.rings.Ring(dirtyring.DefaultRing).Used(); got != 1 {
		t.Errorf("default ring holds %d entries after harvest, want 1", got)
	}
}

func TestHarvestWriteDuringCopy(t *testing.T) {
	f := newFixture(t, 2, 0)
	f.mark(t, 1, 7)
	f.onHarvest = func() {
		f.onHarvest = nil
		f.mark(t, 1, 7)
	}
	f.harvest(t)
	if !f.slots.IsDirty(1, 7) {
		t.Errorf("write during copy-out left the page clean")
	}
	if got := f.rings.Ring(1).Used(); got != 1 {
		t.Errorf("ring 1 holds %d entries, want 1", got)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.mark(t, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- f.tracker.Run(ctx, time.Millisecond)
	}()
	for f.rings.Ring(0).Used() != 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	rings, err := dirtyring.NewSet(1, dirtyring.Options{SizeBytes: testEntries * kvm.DirtyGFNSize})
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}
	defer rings.Release()
	if _, err := New(memslot.New(), rings, Config{BusyRetries: -1}); err == nil {
		t.Errorf("New with negative retries succeeded")
	}
}
