// Copyright 2026 The TabletKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package operations

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tabletkv/tabletkv/pkg/util/log"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
)

// ErrShuttingDown is returned when admission is refused because the tablet is
// shutting down.
var ErrShuttingDown = errors.New("tablet is shutting down")

// ErrOperationMemLimit is returned when admitting an operation would exceed
// the tracker's memory budget.
var ErrOperationMemLimit = errors.New("operation memory limit exceeded")

// TrackerMetrics exports the tracker's gauges and counters.
type TrackerMetrics struct {
	OperationsInFlight *prometheus.GaugeVec
	MemoryUsed         prometheus.Gauge
	OperationsAdmitted prometheus.Counter
	OperationsRefused  prometheus.Counter
}

// NewTrackerMetrics builds the tracker metrics and registers them with reg.
// A nil reg skips registration, for embedders that do not scrape.
func NewTrackerMetrics(reg prometheus.Registerer) *TrackerMetrics {
	m := &TrackerMetrics{
		OperationsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tablet",
			Name:      "operations_inflight",
			Help:      "Number of operations currently tracked, by type.",
		}, []string{"type"}),
		MemoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tablet",
			Name:      "operation_memory_used_bytes",
			Help:      "Bytes of operation memory charged against the tracker budget.",
		}),
		OperationsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablet",
			Name:      "operations_admitted_total",
			Help:      "Operations admitted by the tracker.",
		}),
		OperationsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tablet",
			Name:      "operations_refused_total",
			Help:      "Operations refused admission by the tracker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.OperationsInFlight, m.MemoryUsed,
			m.OperationsAdmitted, m.OperationsRefused)
	}
	return m
}

// OperationTracker is the registry of in-flight drivers for one tablet. It
// performs admission control (shutdown, memory budget) and lets shutdown wait
// for every tracked driver to release itself.
//
// Add and Release pair exactly once per driver: Release without a matching
// Add is an invariant violation.
type OperationTracker struct {
	// memLimit bounds the summed SpaceUsed of tracked drivers; 0 disables
	// the budget.
	memLimit int64
	metrics  *TrackerMetrics

	mu struct {
		syncutil.Mutex
		shutdown bool
		// pending maps each tracked driver to the bytes charged for it, so
		// release refunds what admission charged even if the operation's own
		// accounting drifts in between.
		pending map[*OperationDriver]int64
		memUsed int64
	}
}

// NewOperationTracker constructs a tracker. memLimit of 0 disables the memory
// budget; metrics may be nil.
func NewOperationTracker(memLimit int64, metrics *TrackerMetrics) *OperationTracker {
	t := &OperationTracker{memLimit: memLimit, metrics: metrics}
	t.mu.pending = make(map[*OperationDriver]int64)
	return t
}

// Add registers a driver, charging its footprint against the budget. Fails
// with ErrShuttingDown after StartShutdown and with ErrOperationMemLimit when
// the budget is exhausted.
func (t *OperationTracker) Add(d *OperationDriver) error {
	space := d.SpaceUsed()

	t.mu.Lock()
	if t.mu.shutdown {
		t.mu.Unlock()
		t.refused()
		return errors.Wrapf(ErrShuttingDown, "cannot admit %s operation", d.OperationType())
	}
	if t.memLimit > 0 && t.mu.memUsed+space > t.memLimit {
		used := t.mu.memUsed
		t.mu.Unlock()
		t.refused()
		return errors.Wrapf(ErrOperationMemLimit,
			"operation of %d bytes with %d of %d bytes in use", space, used, t.memLimit)
	}
	t.mu.pending[d] = space
	t.mu.memUsed += space
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.OperationsAdmitted.Inc()
		t.metrics.OperationsInFlight.WithLabelValues(d.OperationType().String()).Inc()
		t.metrics.MemoryUsed.Add(float64(space))
	}
	return nil
}

func (t *OperationTracker) refused() {
	if t.metrics != nil {
		t.metrics.OperationsRefused.Inc()
	}
}

// Release removes a driver admitted by Add, refunding its charge. Calling it
// for a driver that is not tracked is an invariant violation.
func (t *OperationTracker) Release(d *OperationDriver) {
	t.mu.Lock()
	space, ok := t.mu.pending[d]
	if !ok {
		t.mu.Unlock()
		log.Fatalf(context.Background(), "releasing operation not in the tracker: %s", d)
	}
	delete(t.mu.pending, d)
	t.mu.memUsed -= space
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.OperationsInFlight.WithLabelValues(d.OperationType().String()).Dec()
		t.metrics.MemoryUsed.Sub(float64(space))
	}
}

// NumPending returns the number of tracked drivers.
func (t *OperationTracker) NumPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mu.pending)
}

// MemoryUsed returns the bytes currently charged against the budget.
func (t *OperationTracker) MemoryUsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.memUsed
}

// GetPendingOperations snapshots the tracked drivers.
func (t *OperationTracker) GetPendingOperations() []*OperationDriver {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]*OperationDriver, 0, len(t.mu.pending))
	for d := range t.mu.pending {
		ret = append(ret, d)
	}
	return ret
}

// StartShutdown makes subsequent Add calls fail with ErrShuttingDown.
// Already-admitted drivers run to completion.
func (t *OperationTracker) StartShutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.shutdown = true
}

// WaitForAllToFinish blocks until every tracked driver has released itself,
// or ctx is done. It logs the stragglers periodically so a stuck shutdown is
// diagnosable.
func (t *OperationTracker) WaitForAllToFinish(ctx context.Context) error {
	const logInterval = time.Second
	wait := time.Millisecond
	nextLog := time.Now().Add(logInterval)

	for {
		pending := t.GetPendingOperations()
		if len(pending) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%d operations pending", len(pending))
		}
		if time.Now().After(nextLog) {
			nextLog = time.Now().Add(logInterval)
			log.Warningf(ctx, "waiting for %d operations to finish", len(pending))
			for _, d := range pending {
				log.Warningf(ctx, "  pending operation: %s, running for %s",
					d, time.Since(d.startTime))
			}
		}
		time.Sleep(wait)
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}
}
