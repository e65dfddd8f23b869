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

package cmd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/pkg/memutil"
	"gvisor.dev/dirtyring/ringctl/cmd/util"
	"gvisor.dev/dirtyring/ringctl/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the dirty ring geometry and shared memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - print the dirty ring geometry and shared memory layout.

The geometry follows the global --ring-size and --reserved-extra flags.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.dump, "dump", false, "allocate a ring, push a sample entry, dump the first entry bytes and fetch it back.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := printLayout(os.Stdout, conf); err != nil {
		return util.Errorf("%v", err)
	}
	if l.dump {
		if err := dumpSample(os.Stdout, conf); err != nil {
			return util.Errorf("%v", err)
		}
	}
	return subcommands.ExitSuccess
}

func printLayout(w io.Writer, conf *config.Config) error {
	opts := conf.RingOptions()
	entries, err := kvm.DirtyRingEntries(opts.SizeBytes)
	if err != nil {
		return err
	}
	reserved := dirtyring.ReservedEntries(opts.ExtraReserved)
	fmt.Fprintf(w, "entries:        %d\n", entries)
	fmt.Fprintf(w, "reserved:       %d\n", reserved)
	fmt.Fprintf(w, "soft limit:     %d\n", entries-reserved)
	fmt.Fprintf(w, "entry bytes:    %d\n", opts.SizeBytes)
	fmt.Fprintf(w, "mapped bytes:   %d\n", memutil.RoundUpToPage(int(opts.SizeBytes)))
	fmt.Fprintf(w, "entry:          slot u32 @0, offset u64 @4 (%d bytes, little-endian)\n", kvm.DirtyGFNSize)
	fmt.Fprintf(w, "indices:        fetch_index u32 @%d, avail_index u32 @%d (%d bytes)\n",
		kvm.DirtyRingFetchIndexOffset, kvm.DirtyRingAvailIndexOffset, kvm.DirtyRingIndicesSize)
	fmt.Fprintf(w, "rings:          %d\n", conf.VCPUs)
	return nil
}

func dumpSample(w io.Writer, conf *config.Config) error {
	opts := conf.RingOptions()
	r, err := dirtyring.New(opts)
	if err != nil {
		return err
	}
	defer r.Release()
	if _, err := r.Push(1, 0x1234, true); err != nil {
		return err
	}
	page, err := r.Page(0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "entry 0:        %s\n", hex.EncodeToString(page[:kvm.DirtyGFNSize]))
	fmt.Fprintf(w, "used:           %d (soft full %t, full %t)\n", r.Used(), r.SoftFull(), r.Full())

	// Harvest the sample the way another process would.
	c, err := dirtyring.NewConsumer(r.Descriptor())
	if err != nil {
		return err
	}
	defer c.Release()
	fmt.Fprintf(w, "avail:          %d\n", c.Avail())
	entries := c.Fetch(0)
	c.Publish()
	fmt.Fprintf(w, "fetched:        %d (fetch_index %d)\n", len(entries), c.FetchIndex())
	return nil
}
