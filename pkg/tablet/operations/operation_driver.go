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
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"github.com/tabletkv/tabletkv/pkg/consensus"
	"github.com/tabletkv/tabletkv/pkg/util/hlc"
	"github.com/tabletkv/tabletkv/pkg/util/log"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
	"github.com/tabletkv/tabletkv/pkg/util/timeutil"
	"github.com/tabletkv/tabletkv/pkg/util/tracing"
)

// ReplicationState tracks an operation's progress through consensus.
type ReplicationState int

const (
	// NotReplicating: the operation has not been submitted to consensus.
	NotReplicating ReplicationState = iota
	// Replicating: the entry is in flight through consensus.
	Replicating
	// Replicated: a quorum has durably accepted the entry.
	Replicated
	// ReplicationFailed: consensus gave a final negative answer.
	ReplicationFailed
)

// PrepareState tracks the local preparation lifecycle.
type PrepareState int

const (
	NotPrepared PrepareState = iota
	Prepared
)

// Preparer batches prepare work. Submit enqueues the driver; a worker
// eventually invokes PrepareAndStart on it. After a successful leader-side
// PrepareAndStart, the preparer is responsible for replicating the driver's
// consensus round as part of a batch.
type Preparer interface {
	Submit(d *OperationDriver) error
}

// OperationDriver coordinates the two independent lifecycles of one
// replicated operation, local prepare and consensus replication, and fires
// apply exactly once when both have succeeded.
//
// A single driver is touched concurrently by a preparer worker
// (PrepareAndStart), the consensus append thread (HandleConsensusAppend), the
// consensus commit thread (ReplicationFinished / ReplicationFailed) and
// arbitrary callers of Abort or String. All of the shared state lives behind
// two small locks: opIDMu guards only the op id so it can be read without
// contending on mu; mu guards the coupled (replicationState, prepareState,
// operationStatus) triple. Neither lock is ever held across a call into the
// operation, consensus, tracker or preparer; instead the state is snapshotted
// under the lock and dispatched on outside it. If both locks were ever
// needed, opIDMu would be acquired first.
type OperationDriver struct {
	tracker       *OperationTracker
	consensus     consensus.Consensus
	preparer      Preparer
	orderVerifier *OperationOrderVerifier
	mvcc          MvccManager
	knobs         TestingKnobs

	// ctx carries the tablet/peer log tags and the driver's trace.
	ctx       context.Context
	trace     *tracing.Trace
	startTime time.Time

	// operation is set at Init and not replaced afterwards. It may be nil in
	// drivers constructed without an operation.
	operation Operation

	// isLeaderSide is fixed at Init: true iff this node originates the
	// operation.
	isLeaderSide bool

	// preparePhysicalMicros is the wall time captured at entry into
	// PrepareAndStart, fed to the order verifier at apply.
	preparePhysicalMicros atomic.Int64

	// propagatedSafeTime, when set before execution, advances the MVCC safe
	// time on a follower when the operation starts.
	propagatedSafeTime hlc.HybridTime

	opIDMu struct {
		syncutil.Mutex
		opID consensus.OpID
	}

	mu struct {
		syncutil.Mutex
		replicationState ReplicationState
		prepareState     PrepareState
		// operationStatus is nil while the operation is healthy and holds the
		// most recently recorded failure afterwards; a later failure replaces
		// an earlier one, but it never goes back to nil.
		operationStatus error
	}
}

// NewOperationDriver constructs a driver. The trace becomes a child of any
// trace carried by ctx. All collaborators are non-owning; their lifetime
// exceeds any driver they spawn.
func NewOperationDriver(
	ctx context.Context,
	tracker *OperationTracker,
	cons consensus.Consensus,
	preparer Preparer,
	orderVerifier *OperationOrderVerifier,
	mvcc MvccManager,
	knobs TestingKnobs,
) *OperationDriver {
	d := &OperationDriver{
		tracker:       tracker,
		consensus:     cons,
		preparer:      preparer,
		orderVerifier: orderVerifier,
		mvcc:          mvcc,
		knobs:         knobs,
		trace:         tracing.ChildTrace(ctx),
		startTime:     timeutil.Now(),
	}
	if cons != nil {
		ctx = logtags.AddTag(ctx, "T", cons.TabletID())
		ctx = logtags.AddTag(ctx, "P", cons.PeerUUID())
	}
	d.ctx = tracing.WithTrace(ctx, d.trace)
	return d
}

// Init takes ownership of op and registers the driver.
//
// term == consensus.UnknownTerm selects the replica path: the entry already
// exists in the log, the driver adopts its pre-assigned op id and enters
// Replicating directly. A non-negative term selects the leader path: a fresh
// consensus round is created, bound to term, with this driver as both the
// append and the replication-finished callback. Any other negative term is
// rejected with an error.
//
// On failure ownership of op is handed back to the caller through the first
// return value and no callbacks remain registered.
func (d *OperationDriver) Init(op Operation, term int64) (Operation, error) {
	if op != nil {
		d.operation = op
	}

	if term == consensus.UnknownTerm {
		d.opIDMu.Lock()
		if d.operation != nil {
			d.opIDMu.opID = d.operation.State().OpID()
			if !d.opIDMu.opID.Valid() {
				d.opIDMu.Unlock()
				d.operation = nil
				return op, errors.AssertionFailedf(
					"replica-path operation has no op id assigned")
			}
		}
		d.opIDMu.Unlock()
		d.mu.Lock()
		d.mu.replicationState = Replicating
		d.mu.Unlock()
	} else {
		if term < 0 {
			d.operation = nil
			return op, errors.Newf("invalid term %d", term)
		}
		d.isLeaderSide = true
		// consensus is nil in some unit tests.
		if d.consensus != nil {
			round := d.consensus.NewRound(d.operation.NewReplicateMsg(), d.ReplicationFinished)
			round.BindToTerm(term)
			round.SetAppendCallback(d)
			d.operation.State().SetConsensusRound(round)
		}
	}

	if err := d.tracker.Add(d); err != nil {
		d.operation = nil
		return op, err
	}
	return nil, nil
}

// GetOpID returns the operation's log position, zero until known.
func (d *OperationDriver) GetOpID() consensus.OpID {
	d.opIDMu.Lock()
	defer d.opIDMu.Unlock()
	return d.opIDMu.opID
}

// IsLeaderSide reports whether this node originated the operation.
func (d *OperationDriver) IsLeaderSide() bool {
	return d.isLeaderSide
}

// OperationType returns the attached operation's type, TypeEmpty if none.
func (d *OperationDriver) OperationType() Type {
	if d.operation == nil {
		return TypeEmpty
	}
	return d.operation.Type()
}

// Operation returns the attached operation, nil if none.
func (d *OperationDriver) Operation() Operation {
	return d.operation
}

// SpaceUsed is the driver's footprint charged against the tracker budget.
func (d *OperationDriver) SpaceUsed() int64 {
	if d.operation == nil {
		return 0
	}
	return d.operation.SpaceUsed()
}

// SetPropagatedSafeTime records a follower-side safe time to apply when the
// operation starts. Must be called before the driver is executed.
func (d *OperationDriver) SetPropagatedSafeTime(ht hlc.HybridTime) {
	d.propagatedSafeTime = ht
}

// Trace returns the driver's diagnostic trace.
func (d *OperationDriver) Trace() *tracing.Trace {
	return d.trace
}

// ExecuteAsync is the leader-side entry point after Init: it submits the
// driver to the preparer. A refusal funnels to HandleFailure.
func (d *OperationDriver) ExecuteAsync() {
	log.VInfof(d.ctx, 4, "ExecuteAsync()")
	d.trace.Eventf("ExecuteAsync")

	if delay := d.knobs.DelayExecuteAsync; delay > 0 &&
		d.OperationType() == TypeWrite &&
		d.operation.State().Tablet().TabletID() != delayExemptTabletID {
		log.Infof(d.ctx, "debug sleep for %s before submitting to preparer", delay)
		time.Sleep(delay)
	}

	if err := d.preparer.Submit(d); err != nil {
		d.HandleFailure(err)
	}
}

// StartOperation starts the operation if it is still attached: the operation
// assigns its hybrid time and, on a follower, the propagated safe time is
// applied. Returns false, after releasing from the tracker, if the operation
// is gone.
func (d *OperationDriver) StartOperation() bool {
	if d.operation != nil {
		d.operation.Start()
	}
	if d.propagatedSafeTime.Valid() && d.mvcc != nil {
		d.mvcc.SetPropagatedSafeTimeOnFollower(d.propagatedSafeTime)
	}
	if d.operation == nil {
		d.tracker.Release(d)
		return false
	}
	return true
}

// PrepareAndStart runs on a preparer worker. It prepares the operation and
// advances the state machine:
//
//   - If replication already began (replica path, or a leader whose
//     ReplicationFinished fired first), the operation is started before
//     prepareState flips, because its hybrid time is already fixed on the
//     consensus message.
//   - After flipping to Prepared, the replication state is snapshotted a
//     second time: ReplicationFinished only triggers apply when it observes
//     Prepared, so if it fired in the window between the two snapshots this
//     side must drive apply itself or the operation would never be applied.
//
// A NotReplicating → Replicating transition leaves replication of the round
// to the caller, which batches rounds across drivers.
func (d *OperationDriver) PrepareAndStart() error {
	log.VInfof(d.ctx, 4, "PrepareAndStart()")
	d.trace.Eventf("PrepareAndStart")
	d.preparePhysicalMicros.Store(timeutil.NowMicros())

	if d.operation != nil {
		if err := d.operation.Prepare(); err != nil {
			return err
		}
	}

	var replStateCopy ReplicationState
	d.mu.Lock()
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "PrepareAndStart: already prepared")
	}
	replStateCopy = d.mu.replicationState
	d.mu.Unlock()

	if replStateCopy != NotReplicating {
		// The hybrid time is already fixed on the consensus message, so the
		// operation must start as soon as possible.
		if !d.StartOperation() {
			return nil
		}
	}

	d.mu.Lock()
	// PrepareAndStart runs once per operation, so nothing may have flipped
	// prepareState since the read above.
	if d.mu.prepareState != NotPrepared {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "PrepareAndStart: prepare state changed concurrently")
	}
	// From here ReplicationFinished is able to apply this operation; the
	// flip must come after Start().
	d.mu.prepareState = Prepared
	replStateCopy = d.mu.replicationState
	d.mu.Unlock()

	switch replStateCopy {
	case NotReplicating:
		d.mu.Lock()
		d.mu.replicationState = Replicating
		d.mu.Unlock()
		// The caller replicates the round as part of a batch.
		return nil

	case Replicating:
		// Already replicating - nothing to trigger.
		return nil

	case Replicated, ReplicationFailed:
		// Replication raced ahead of us while we were outside the lock.
		// ApplyOperation handles the failed case by aborting.
		return d.ApplyOperation(consensus.UnknownTerm)
	}
	log.Fatalf(d.ctx, "unexpected replication state %d", replStateCopy)
	return nil
}

// HandleConsensusAppend is invoked by the log subsystem on the leader
// immediately before the entry is written to the local log. It starts the
// operation and stamps the assigned hybrid time and the tablet's monotonic
// counter into the replicate message.
func (d *OperationDriver) HandleConsensusAppend() {
	if !d.StartOperation() {
		return
	}
	state := d.operation.State()
	msg := state.ConsensusRound().ReplicateMsg()
	if msg.HybridTime.Valid() {
		log.Fatalf(d.ctx, "hybrid time already set in replicate message: %s", msg.HybridTime)
	}
	msg.HybridTime = state.HybridTime()
	msg.MonotonicCounter = state.Tablet().MonotonicCounter().Load()
}

// ReplicationFinished is invoked by consensus once it has a final answer for
// this entry. status nil means a quorum durably accepted the entry under
// leaderTerm; non-nil means replication failed. If the operation is already
// prepared this call drives apply.
func (d *OperationDriver) ReplicationFinished(status error, leaderTerm int64) {
	d.opIDMu.Lock()
	d.opIDMu.opID = d.operation.State().ConsensusRound().ID()
	if status == nil && !d.opIDMu.opID.Valid() {
		d.opIDMu.Unlock()
		log.Fatalf(d.ctx, "replication finished OK without an assigned op id")
	}
	// The operation state's op id is guarded by a different lock; carry the
	// value over and write it while holding that one.
	opIDLocal := d.opIDMu.opID
	d.opIDMu.Unlock()

	var prepStateCopy PrepareState
	d.mu.Lock()
	d.operation.State().SetOpID(opIDLocal)
	if d.mu.replicationState != Replicating {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "ReplicationFinished in replication state %d", d.mu.replicationState)
	}
	if status == nil {
		d.mu.replicationState = Replicated
	} else {
		d.mu.replicationState = ReplicationFailed
		d.mu.operationStatus = status
	}
	prepStateCopy = d.mu.prepareState
	d.mu.Unlock()

	// If we have prepared and replicated, move ahead and apply. In the
	// failed case ApplyOperation aborts the operation instead; it is never
	// applied to the tablet.
	if prepStateCopy == Prepared {
		if err := d.ApplyOperation(leaderTerm); err != nil {
			log.Fatalf(d.ctx, "apply after replication finished: %v", err)
		}
	}
}

// ReplicationFailed marks the operation failed when the leader cannot even
// reach an append for it. Idempotent if replication already failed.
func (d *OperationDriver) ReplicationFailed(status error) {
	d.mu.Lock()
	if d.mu.replicationState == ReplicationFailed {
		d.mu.Unlock()
		return
	}
	if d.mu.replicationState != Replicating {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "ReplicationFailed in replication state %d", d.mu.replicationState)
	}
	d.mu.operationStatus = status
	d.mu.replicationState = ReplicationFailed
	d.mu.Unlock()

	d.HandleFailure(nil)
}

// HandleFailure is the central failure funnel. A nil status promotes the
// already-stored failure. An operation that has not passed the replication
// boundary is aborted and released; one that consensus already accepted
// cannot be cancelled locally, so the process dies rather than diverge from
// the replicated log.
func (d *OperationDriver) HandleFailure(status error) {
	var replStateCopy ReplicationState
	d.mu.Lock()
	if status != nil {
		if d.mu.operationStatus != nil {
			log.Errorf(d.ctx, "operation already failed with %v, new status: %v, state: %d",
				d.mu.operationStatus, status, d.mu.replicationState)
		}
		d.mu.operationStatus = status
	} else {
		status = d.mu.operationStatus
	}
	replStateCopy = d.mu.replicationState
	d.mu.Unlock()

	if status == nil {
		log.Fatalf(d.ctx, "HandleFailure without a failure status")
	}
	log.VInfof(d.ctx, 2, "failed operation: %v", status)
	d.trace.Eventf("HandleFailure(%v)", status)

	switch replStateCopy {
	case NotReplicating, ReplicationFailed:
		log.VInfof(d.ctx, 1, "operation %s failed prior to replication success: %v", d, status)
		d.operation.Aborted(status)
		d.tracker.Release(d)

	case Replicating, Replicated:
		log.Fatalf(d.ctx, "cannot cancel operations that have already replicated: %v, operation: %s",
			status, d)
	}
}

// Abort requests cancellation. It only takes effect while the operation has
// not been submitted to consensus; past that point the failure status is
// recorded so that the abort branch runs when the natural sequence reaches
// apply.
func (d *OperationDriver) Abort(status error) {
	if status == nil {
		log.Fatalf(d.ctx, "Abort without a failure status")
	}

	var replStateCopy ReplicationState
	d.mu.Lock()
	replStateCopy = d.mu.replicationState
	d.mu.operationStatus = status
	d.mu.Unlock()

	if replStateCopy == NotReplicating {
		d.HandleFailure(nil)
	}
}

// ApplyOperation is the gate in front of apply: it verifies that both
// lifecycles succeeded, lets the order verifier confirm log-index order, and
// runs the apply task. If the operation's status is failed it takes the abort
// path instead.
func (d *OperationDriver) ApplyOperation(leaderTerm int64) error {
	opID := d.GetOpID()

	d.mu.Lock()
	if d.mu.prepareState != Prepared {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "ApplyOperation in prepare state %d", d.mu.prepareState)
	}
	if d.mu.operationStatus == nil {
		if d.mu.replicationState != Replicated {
			d.mu.Unlock()
			log.Fatalf(d.ctx, "ApplyOperation in replication state %d", d.mu.replicationState)
		}
		d.orderVerifier.CheckApply(opID.Index, d.preparePhysicalMicros.Load())
		d.mu.Unlock()
	} else {
		if d.mu.replicationState != ReplicationFailed {
			d.mu.Unlock()
			log.Fatalf(d.ctx, "failed operation in replication state %d", d.mu.replicationState)
		}
		d.mu.Unlock()
		d.HandleFailure(nil)
		return nil
	}

	// Storage requires entries of one tablet to apply in log order; the
	// caller's apply sequencing keyed on the op id provides that across
	// drivers.
	d.ApplyTask(leaderTerm)
	return nil
}

// ApplyTask performs the durable state mutation and releases the driver.
func (d *OperationDriver) ApplyTask(leaderTerm int64) {
	d.mu.Lock()
	if d.mu.replicationState != Replicated || d.mu.prepareState != Prepared {
		d.mu.Unlock()
		log.Fatalf(d.ctx, "ApplyTask in state %s", stateString(d.mu.replicationState, d.mu.prepareState))
	}
	d.mu.Unlock()

	d.trace.Eventf("ApplyTask(%d)", leaderTerm)
	if err := d.operation.Replicated(leaderTerm); err != nil {
		log.Fatalf(d.ctx, "operation failed to apply: %v, operation: %s", err, d)
	}
	d.tracker.Release(d)
}

// String renders the driver's state. Safe to call from any thread.
func (d *OperationDriver) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stringLocked()
}

func (d *OperationDriver) stringLocked() string {
	ret := stateString(d.mu.replicationState, d.mu.prepareState)
	if d.operation != nil {
		return ret + " " + d.operation.String()
	}
	return ret + " [unknown operation]"
}

// stateString renders the two lifecycle states compactly, e.g. "R-NP" for a
// replicating, not yet prepared operation.
func stateString(repl ReplicationState, prep PrepareState) string {
	var ret string
	switch repl {
	case NotReplicating:
		ret = "NR-"
	case Replicating:
		ret = "R-"
	case ReplicationFailed:
		ret = "RF-"
	case Replicated:
		ret = "RD-"
	default:
		ret = "?-"
	}
	switch prep {
	case Prepared:
		ret += "P"
	case NotPrepared:
		ret += "NP"
	default:
		ret += "?"
	}
	return ret
}
