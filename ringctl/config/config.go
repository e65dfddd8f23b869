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

// Package config provides basic infrastructure to set configuration settings
// for ringctl. Each setting is registered as a command line flag, and may
// also be given in a TOML configuration file.
package config

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/pkg/log"
)

// Config holds configuration that is not part of the command line of a
// single subcommand.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into Validate().
type Config struct {
	// RingSize is the size in bytes of the entry array of each ring.
	RingSize uint `flag:"ring-size"`

	// ReservedExtra is the number of entries held back from the soft limit
	// in addition to the fixed reservation.
	ReservedExtra uint `flag:"reserved-extra"`

	// VCPUs is the number of vCPUs, and therefore rings.
	VCPUs int `flag:"vcpus"`

	// Slots is the number of guest memory slots.
	Slots int `flag:"slots"`

	// PagesPerSlot is the number of pages of each memory slot.
	PagesPerSlot uint64 `flag:"pages-per-slot"`

	// BusyRetries is the number of retries of a push without an owner on a
	// busy default ring.
	BusyRetries int `flag:"busy-retries"`

	// HarvestInterval is the period of background harvests.
	HarvestInterval time.Duration `flag:"harvest-interval"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// MetricsAddr is the address to serve Prometheus metrics on. Empty
	// disables the metrics endpoint.
	MetricsAddr string `flag:"metrics-addr"`
}

// Validate checks that c describes a usable VM and ring geometry.
func (c *Config) Validate() error {
	if c.RingSize > math.MaxUint32 {
		return fmt.Errorf("ring-size %d is too large", c.RingSize)
	}
	entries, err := kvm.DirtyRingEntries(uint32(c.RingSize))
	if err != nil {
		return fmt.Errorf("invalid ring-size: %w", err)
	}
	if c.ReservedExtra > math.MaxUint32-kvm.DirtyRingReservedEntries {
		return fmt.Errorf("reserved-extra %d is too large", c.ReservedExtra)
	}
	if reserved := dirtyring.ReservedEntries(uint32(c.ReservedExtra)); entries <= reserved {
		return fmt.Errorf("ring-size %d holds %d entries, which does not exceed %d reserved entries", c.RingSize, entries, reserved)
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive, got: %d", c.VCPUs)
	}
	if c.Slots <= 0 || uint64(c.Slots) > math.MaxUint32 {
		return fmt.Errorf("invalid slots: %d", c.Slots)
	}
	if c.PagesPerSlot == 0 || c.PagesPerSlot > math.MaxUint64/uint64(c.Slots) {
		return fmt.Errorf("invalid pages-per-slot: %d", c.PagesPerSlot)
	}
	if c.BusyRetries < 0 {
		return fmt.Errorf("busy-retries must not be negative, got: %d", c.BusyRetries)
	}
	if c.HarvestInterval <= 0 {
		return fmt.Errorf("harvest-interval must be positive, got: %v", c.HarvestInterval)
	}
	if c.LogFormat != log.FormatText && c.LogFormat != log.FormatJSON {
		return fmt.Errorf("invalid log-format %q, must be %q or %q", c.LogFormat, log.FormatText, log.FormatJSON)
	}
	return nil
}

// RingOptions returns the options of the rings described by c.
func (c *Config) RingOptions() dirtyring.Options {
	return dirtyring.Options{
		SizeBytes:     uint32(c.RingSize),
		ExtraReserved: uint32(c.ReservedExtra),
	}
}

// Log logs the configuration.
func (c *Config) Log() {
	logrus.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			logrus.Infof("  %s: %s", name, getVal(obj.Field(i)))
		}
	}
}
