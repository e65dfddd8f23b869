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
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/dirtyring/pkg/abi/kvm"
	"gvisor.dev/dirtyring/pkg/dirtyring"
	"gvisor.dev/dirtyring/ringctl/cmd/util"
	"gvisor.dev/dirtyring/ringctl/config"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	duration     time.Duration
	writeRate    float64
	unowned      int
	seed         uint64
	printMetrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run guest writers against dirty rings and harvest them"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - run guest writers against dirty rings and harvest them.

Each vCPU writes random guest pages and records them in its own dirty ring,
exiting to harvest when the ring is soft full. Writers without a vCPU share
the default ring. A background harvester drains all rings periodically.

EXAMPLE:
    $ ringctl --vcpus=8 --ring-size=12288 simulate --duration=5s --unowned=2
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.duration, "duration", time.Second, "how long to run the simulation.")
	f.Float64Var(&s.writeRate, "write-rate", 0, "page writes per second of each writer. Zero means unlimited.")
	f.IntVar(&s.unowned, "unowned", 1, "number of writers without a vCPU.")
	f.Uint64Var(&s.seed, "seed", 1, "seed of the page write pattern.")
	f.BoolVar(&s.printMetrics, "print-metrics", false, "print the final metrics in Prometheus text format.")
}

// simulateStats are the counters of a simulation run.
type simulateStats struct {
	writes    atomic.Uint64
	deferred  atomic.Uint64
	exits     atomic.Uint64
	harvested atomic.Uint64
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.duration <= 0 || s.unowned < 0 || s.writeRate < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var stats simulateStats
	v, err := newVM(conf, func(_ int, entries []kvm.DirtyGFN) {
		stats.harvested.Add(uint64(len(entries)))
	})
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer v.release()

	reg := prometheus.NewPedanticRegistry()
	if err := dirtyring.RegisterMetrics(reg); err != nil {
		return util.Errorf("registering metrics: %v", err)
	}
	reg.MustRegister(v.rings)
	if conf.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    conf.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Warn("Metrics server failed")
			}
		}()
		defer srv.Close()
		logrus.Infof("Serving metrics on %s", conf.MetricsAddr)
	}

	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.tracker.Run(ctx, conf.HarvestInterval)
	})
	for i := 0; i < conf.VCPUs; i++ {
		owner := i
		g.Go(func() error {
			return s.write(ctx, v, owner, &stats)
		})
	}
	for i := 0; i < s.unowned; i++ {
		g.Go(func() error {
			return s.write(ctx, v, dirtyring.NoOwner, &stats)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return util.Errorf("simulation failed: %v", err)
	}

	// Drain what the writers left behind, including deferred pages pushed by
	// the previous harvest.
	for {
		n, err := v.tracker.Harvest(context.Background())
		if err != nil {
			return util.Errorf("final harvest failed: %v", err)
		}
		if n == 0 && v.rings.Ring(dirtyring.DefaultRing).Used() == 0 {
			break
		}
	}

	fmt.Fprintf(os.Stdout, "writes:    %d\n", stats.writes.Load())
	fmt.Fprintf(os.Stdout, "harvested: %d\n", stats.harvested.Load())
	fmt.Fprintf(os.Stdout, "exits:     %d\n", stats.exits.Load())
	fmt.Fprintf(os.Stdout, "deferred:  %d\n", stats.deferred.Load())
	if s.printMetrics {
		if err := writeMetrics(os.Stdout, reg); err != nil {
			return util.Errorf("printing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// write dirties random pages on behalf of owner until ctx is done.
func (s *Simulate) write(ctx context.Context, v *vm, owner int, stats *simulateStats) error {
	limit := rate.NewLimiter(rate.Inf, 1)
	if s.writeRate > 0 {
		limit = rate.NewLimiter(rate.Limit(s.writeRate), 1)
	}
	rnd := rand.New(rand.NewPCG(s.seed, uint64(owner+1)))
	for {
		if err := limit.Wait(ctx); err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		gfn := rnd.Uint64N(v.pages)
		err := v.tracker.MarkPageDirty(ctx, owner, gfn)
		switch {
		case err == nil:
			stats.writes.Add(1)
		case errors.Is(err, dirtyring.ErrBusy):
			stats.deferred.Add(1)
			continue
		default:
			return fmt.Errorf("vCPU %d writing gfn %#x: %w", owner, gfn, err)
		}
		if owner != dirtyring.NoOwner && v.tracker.ExitRequested(owner) {
			// The vCPU exits to the VMM, which harvests before resuming it.
			stats.exits.Add(1)
			if _, err := v.tracker.Harvest(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return err
		}
	}
	return nil
}
