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

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "dirtyring"

var (
	pushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "pushes_total",
		Help:      "Number of entries pushed to dirty rings.",
	})
	busyPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "busy_pushes_total",
		Help:      "Number of pushes without an owner refused because the ring was soft full.",
	})
	softFullPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "soft_full_pushes_total",
		Help:      "Number of pushes that left the ring soft full.",
	})
	resetEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reset_entries_total",
		Help:      "Number of entries reclaimed by ring resets.",
	})
	resetFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reset_flushes_total",
		Help:      "Number of coalesced clear operations issued by ring resets.",
	})
	invalidRanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "invalid_fetch_index_total",
		Help:      "Number of resets refused because of an out of range fetch index.",
	})
)

// RegisterMetrics registers the dirty ring counters with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{pushes, busyPushes, softFullPushes, resetEntries, resetFlushes, invalidRanges} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
