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

// Package cmd holds implementations of the ringctl commands.
package cmd

import (
	"fmt"

	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtylog"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/pkg/memslot"
	"gvisor.dev/dirtyring/ringctl/config"
)

// vm is the dirty tracking state of a simulated VM.
type vm struct {
	slots   *memslot.Slots
	rings   *dirtyring.Set
	tracker *dirtylog.Tracker

	// pages is the total number of guest pages.
	pages uint64
}

// newVM builds the slots and rings described by conf. Slots are laid out
// back to back from guest frame 0.
func newVM(conf *config.Config, onHarvest func(ring int, entries []kvm.DirtyGFN)) (*vm, error) {
	v := &vm{slots: memslot.New()}
	for i := 0; i < conf.Slots; i++ {
		s := memslot.Slot{
			ID:      uint32(i),
			BaseGFN: uint64(i) * conf.PagesPerSlot,
			NPages:  conf.PagesPerSlot,
		}
		if err := v.slots.Add(s); err != nil {
			return nil, err
		}
		v.pages += s.NPages
	}

	rings, err := dirtyring.NewSet(conf.VCPUs, conf.RingOptions())
	if err != nil {
		return nil, fmt.Errorf("creating dirty rings: %w", err)
	}
	v.rings = rings

	v.tracker, err = dirtylog.New(v.slots, rings, dirtylog.Config{
		BusyRetries: conf.BusyRetries,
		OnHarvest:   onHarvest,
	})
	if err != nil {
		rings.Release()
		return nil, err
	}
	return v, nil
}

func (v *vm) release() {
	v.tracker.Release()
	v.rings.Release()
}
