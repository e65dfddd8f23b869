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

// Package dirtylog tracks the pages dirtied by a VM through its dirty rings.
//
// Writers call MarkPageDirty. vCPUs push to their own ring and are asked to
// exit once it is soft full; other writers share the default ring and retry
// while it is busy. Harvest drains every ring, re-arms the harvested pages
// and then hands the entries to Config.OnHarvest.
package dirtylog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/pkg/memslot"
)

const (
	defaultBusyBackoff    = 100 * time.Microsecond
	defaultMaxBusyBackoff = 10 * time.Millisecond
)

// Config configures a Tracker.
type Config struct {
	// BusyRetries is the number of times a writer without an owner retries
	// a push on a busy default ring. Zero makes a single attempt.
	BusyRetries int

	// BusyBackoff is the initial wait between such retries. Zero selects a
	// default.
	BusyBackoff time.Duration

	// OnHarvest, if set, is called by Harvest with the entries fetched from
	// each ring, after their pages were re-armed. This is where the pages
	// would be copied out: a write racing with the copy is reported again.
	// OnHarvest is called without the slots locked, so concurrent Harvests
	// may call it concurrently.
	OnHarvest func(ring int, entries []kvm.DirtyGFN)
}

// Tracker records dirty pages of a VM in its dirty rings.
type Tracker struct {
	slots *memslot.Slots
	rings *dirtyring.Set
	cfg   Config

	// consumers is the harvester side of rings, one per ring. consumers are
	// used only with slots locked.
	consumers []*dirtyring.Consumer

	// exits[i] is set when vCPU i must exit to let its ring be harvested.
	exits []atomic.Bool

	// deferredMu protects deferred.
	deferredMu sync.Mutex

	// deferred holds pages whose push by a writer without an owner gave up.
	// They stay dirty and are pushed to the default ring by Harvest.
	deferred []kvm.DirtyGFN
}

// New returns a Tracker recording pages of slots in rings. slots and rings
// remain owned by the caller and must outlive the Tracker.
func New(slots *memslot.Slots, rings *dirtyring.Set, cfg Config) (*Tracker, error) {
	if cfg.BusyRetries < 0 {
		return nil, fmt.Errorf("invalid busy retries %d", cfg.BusyRetries)
	}
	if cfg.BusyBackoff == 0 {
		cfg.BusyBackoff = defaultBusyBackoff
	}
	t := &Tracker{
		slots: slots,
		rings: rings,
		cfg:   cfg,
		exits: make([]atomic.Bool, rings.Len()),
	}
	for i := 0; i < rings.Len(); i++ {
		c, err := dirtyring.NewConsumer(rings.Ring(i).Descriptor())
		if err != nil {
			t.Release()
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		t.consumers = append(t.consumers, c)
	}
	return t, nil
}

// Release unmaps the harvester side of the rings.
func (t *Tracker) Release() {
	for _, c := range t.consumers {
		c.Release()
	}
	t.consumers = nil
}

// ExitRequested returns whether vCPU owner must exit so that its ring can be
// harvested.
func (t *Tracker) ExitRequested(owner int) bool {
	return t.exits[owner].Load()
}

// MarkPageDirty records a write to guest frame gfn by owner, a vCPU index or
// dirtyring.NoOwner.
//
// Only the first write to a clean page is pushed to a ring. A vCPU whose
// ring becomes soft full gets an exit request. A writer without an owner
// that finds the default ring busy harvests and retries with backoff. If it
// gives up, the error wraps dirtyring.ErrBusy; the page stays dirty and is
// pushed by a later Harvest, so concurrent writes to it are not lost.
func (t *Tracker) MarkPageDirty(ctx context.Context, owner int, gfn uint64) error {
	slot, offset, first, err := t.slots.MarkDirty(gfn)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if owner != dirtyring.NoOwner {
		softFull, err := t.rings.Push(owner, slot, offset)
		if err != nil {
			return err
		}
		if softFull && !t.exits[owner].Swap(true) {
			logrus.WithFields(logrus.Fields{"ring": owner, "slot": slot, "gfn": gfn}).Debug("Dirty ring soft full, requesting exit")
		}
		return nil
	}
	if err := t.pushUnowned(ctx, slot, offset); err != nil {
		t.deferredMu.Lock()
		t.deferred = append(t.deferred, kvm.DirtyGFN{Slot: slot, Offset: offset})
		t.deferredMu.Unlock()
		logrus.WithError(err).WithFields(logrus.Fields{"slot": slot, "gfn": gfn}).Warn("Deferring dirty page push")
		return err
	}
	return nil
}

func (t *Tracker) pushUnowned(ctx context.Context, slot uint32, offset uint64) error {
	// WithMaxRetries does not bound zero retries.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if t.cfg.BusyRetries > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = t.cfg.BusyBackoff
		eb.MaxInterval = defaultMaxBusyBackoff
		if eb.MaxInterval < eb.InitialInterval {
			eb.MaxInterval = eb.InitialInterval
		}
		b = backoff.WithMaxRetries(eb, uint64(t.cfg.BusyRetries))
	}
	b = backoff.WithContext(b, ctx)

	op := func() error {
		_, err := t.rings.Push(dirtyring.NoOwner, slot, offset)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dirtyring.ErrBusy) {
			return backoff.Permanent(err)
		}
		if _, herr := t.Harvest(ctx); herr != nil {
			logrus.WithError(herr).Debug("Harvest on busy default ring failed")
		}
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %v", err, ctxErr)
		}
		return err
	}
	return nil
}

type batch struct {
	ring    int
	entries []kvm.DirtyGFN
}

// Harvest fetches the entries of every ring, acknowledges them and resets
// the rings, clearing the dirty state of the harvested pages. Deferred pages
// are then pushed to the default ring, and the fetched entries are passed to
// Config.OnHarvest. It returns the number of entries reset. Exit requests of
// rings that are no longer soft full are cleared.
//
// A ring refusing its reset does not prevent the others from being reset;
// the errors are returned together.
func (t *Tracker) Harvest(ctx context.Context) (int, error) {
	batches, n, err := t.harvest(ctx)
	if t.cfg.OnHarvest != nil {
		for _, b := range batches {
			t.cfg.OnHarvest(b.ring, b.entries)
		}
	}
	return n, err
}

func (t *Tracker) harvest(ctx context.Context) ([]batch, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	t.slots.Lock()
	defer t.slots.Unlock()

	var batches []batch
	for i, c := range t.consumers {
		entries := c.Fetch(0)
		if len(entries) == 0 {
			continue
		}
		c.Publish()
		batches = append(batches, batch{ring: i, entries: entries})
	}
	n, err := t.rings.ResetAll(t.slots)
	t.pushDeferred()
	for i := range t.exits {
		if t.exits[i].Load() && !t.rings.Ring(i).SoftFull() {
			t.exits[i].Store(false)
		}
	}
	if n > 0 {
		logrus.WithField("entries", n).Debug("Dirty rings harvested")
	}
	return batches, n, err
}

// pushDeferred pushes deferred pages to the default ring, keeping those that
// do not fit.
//
// Preconditions: t.slots is locked.
func (t *Tracker) pushDeferred() {
	t.deferredMu.Lock()
	defer t.deferredMu.Unlock()
	for len(t.deferred) > 0 {
		e := t.deferred[0]
		if _, err := t.rings.Push(dirtyring.NoOwner, e.Slot, e.Offset); err != nil {
			if !errors.Is(err, dirtyring.ErrBusy) {
				logrus.WithError(err).WithField("slot", e.Slot).Warn("Pushing deferred dirty page failed")
			}
			break
		}
		t.deferred = t.deferred[1:]
	}
	if len(t.deferred) == 0 {
		t.deferred = nil
	}
}

// Run harvests every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := t.Harvest(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Warn("Periodic harvest failed")
			}
		}
	}
}
