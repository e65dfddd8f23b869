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
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// NoOwner is the owner of a push that does not originate from a vCPU,
	// e.g. a background memory management thread.
	NoOwner = -1

	// DefaultRing is the index of the ring used by pushes without an owner.
	DefaultRing = 0
)

// Set is the collection of rings of a VM, one per vCPU.
//
// Ring DefaultRing is shared by its vCPU and by all pushes without an owner,
// which serialize on mu. Other rings have a single producer and are pushed to
// without locking.
type Set struct {
	// mu serializes producers on the default ring.
	mu sync.Mutex

	// rings is immutable after NewSet.
	rings []*Ring
}

// NewSet allocates n rings configured by opts; opts.Index is ignored.
func NewSet(n int, opts Options) (*Set, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid ring count %d", n)
	}
	s := &Set{rings: make([]*Ring, 0, n)}
	for i := 0; i < n; i++ {
		opts.Index = i
		r, err := New(opts)
		if err != nil {
			s.Release()
			return nil, err
		}
		s.rings = append(s.rings, r)
	}
	return s, nil
}

// Release frees all rings.
func (s *Set) Release() {
	for _, r := range s.rings {
		r.Release()
	}
}

// Len returns the number of rings.
func (s *Set) Len() int {
	return len(s.rings)
}

// Ring returns ring i.
func (s *Set) Ring(i int) *Ring {
	return s.rings[i]
}

// Guard is returned by Select. Release must be called once the selected ring
// is no longer pushed to.
type Guard struct {
	mu *sync.Mutex
}

// Release releases the ring selected with g.
func (g Guard) Release() {
	if g.mu != nil {
		g.mu.Unlock()
	}
}

// Select returns the ring owner pushes to. owner is a vCPU index, or NoOwner.
//
// Pushes without an owner, and pushes by the vCPU owning the default ring,
// go to the default ring and the returned Guard holds the default-ring lock.
// Any other owner gets its own ring and a Guard that holds nothing.
//
// The lock is held only until Guard.Release, so callers on the memory
// management path must not block on a harvest while holding it.
//
// Preconditions: owner == NoOwner or 0 <= owner < s.Len().
func (s *Set) Select(owner int) (*Ring, Guard) {
	if owner == NoOwner || owner == DefaultRing {
		s.mu.Lock()
		return s.rings[DefaultRing], Guard{mu: &s.mu}
	}
	return s.rings[owner], Guard{}
}

// Push pushes (slot, offset) on the ring selected for owner; see Ring.Push.
func (s *Set) Push(owner int, slot uint32, offset uint64) (bool, error) {
	r, g := s.Select(owner)
	defer g.Release()
	return r.Push(slot, offset, owner != NoOwner)
}

// ResetAll resets every ring and returns the total number of entries reset.
// A ring that fails to reset does not prevent the others from being reset;
// all failures are returned together.
//
// ResetAll does not take the default-ring lock, so it is safe to call while
// a producer without an owner waits for space.
//
// Preconditions: The caller serializes resets, as for Ring.Reset.
func (s *Set) ResetAll(c Clearer) (int, error) {
	var (
		total int
		errs  *multierror.Error
	)
	for _, r := range s.rings {
		n, err := r.Reset(c)
		if err != nil {
			logrus.WithError(err).WithField("ring", r.index).Warn("Dirty ring reset refused")
			errs = multierror.Append(errs, err)
			continue
		}
		total += n
	}
	return total, errs.ErrorOrNil()
}

var (
	usedEntriesDesc = prometheus.NewDesc(
		"dirtyring_used_entries",
		"Number of entries pushed to a dirty ring and not yet reset.",
		[]string{"ring"}, nil,
	)
	softLimitDesc = prometheus.NewDesc(
		"dirtyring_soft_limit_entries",
		"Number of used entries at which a dirty ring is soft full.",
		[]string{"ring"}, nil,
	)
)

// Describe implements prometheus.Collector.Describe.
func (s *Set) Describe(ch chan<- *prometheus.Desc) {
	ch <- usedEntriesDesc
	ch <- softLimitDesc
}

// Collect implements prometheus.Collector.Collect.
func (s *Set) Collect(ch chan<- prometheus.Metric) {
	for _, r := range s.rings {
		label := strconv.Itoa(r.index)
		ch <- prometheus.MustNewConstMetric(usedEntriesDesc, prometheus.GaugeValue, float64(r.Used()), label)
		ch <- prometheus.MustNewConstMetric(softLimitDesc, prometheus.GaugeValue, float64(r.softLimit), label)
	}
}
