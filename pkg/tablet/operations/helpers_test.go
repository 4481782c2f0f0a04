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
	"fmt"
	"sync/atomic"

	"github.com/tabletkv/tabletkv/pkg/consensus"
	"github.com/tabletkv/tabletkv/pkg/util/hlc"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
)

// fakeTablet satisfies Tablet with a controllable clock.
type fakeTablet struct {
	id      string
	clock   *hlc.Clock
	counter atomic.Int64
}

func newFakeTablet(id string) *fakeTablet {
	return &fakeTablet{id: id, clock: hlc.NewClock()}
}

func (t *fakeTablet) TabletID() string                { return t.id }
func (t *fakeTablet) Clock() *hlc.Clock               { return t.clock }
func (t *fakeTablet) MonotonicCounter() *atomic.Int64 { return &t.counter }

// fakeConsensus records rounds handed to ReplicateBatch. With autoCommit set
// it plays the role of the whole replication layer: append callback, id
// assignment and commit notification for every round, in order.
type fakeConsensus struct {
	tabletID string
	peerUUID string

	autoCommit   bool
	term         int64
	replicateErr error

	mu struct {
		syncutil.Mutex
		batches   [][]*consensus.Round
		nextIndex int64
	}
}

func newFakeConsensus(tabletID string) *fakeConsensus {
	c := &fakeConsensus{tabletID: tabletID, peerUUID: "peer-1", term: 1}
	c.mu.nextIndex = 1
	return c
}

func (c *fakeConsensus) NewRound(
	msg *consensus.ReplicateMsg, cb consensus.ReplicatedCallback,
) *consensus.Round {
	return consensus.NewRound(msg, cb)
}

func (c *fakeConsensus) ReplicateBatch(ctx context.Context, rounds []*consensus.Round) error {
	if c.replicateErr != nil {
		return c.replicateErr
	}
	c.mu.Lock()
	c.mu.batches = append(c.mu.batches, rounds)
	ids := make([]consensus.OpID, len(rounds))
	for i := range rounds {
		ids[i] = consensus.OpID{Term: c.term, Index: c.mu.nextIndex}
		c.mu.nextIndex++
	}
	c.mu.Unlock()

	if c.autoCommit {
		for i, r := range rounds {
			r.NotifyAppend()
			r.SetID(ids[i])
			r.NotifyReplicationFinished(nil, c.term)
		}
	}
	return nil
}

func (c *fakeConsensus) TabletID() string { return c.tabletID }
func (c *fakeConsensus) PeerUUID() string { return c.peerUUID }

func (c *fakeConsensus) numRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.mu.batches {
		n += len(b)
	}
	return n
}

// fakePreparer records submissions or refuses them.
type fakePreparer struct {
	submitErr error

	mu struct {
		syncutil.Mutex
		submitted []*OperationDriver
	}
}

func (p *fakePreparer) Submit(d *OperationDriver) error {
	if p.submitErr != nil {
		return p.submitErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.submitted = append(p.mu.submitted, d)
	return nil
}

func (p *fakePreparer) numSubmitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mu.submitted)
}

// fakeMvcc records propagated safe times.
type fakeMvcc struct {
	mu struct {
		syncutil.Mutex
		propagated []hlc.HybridTime
	}
}

func (m *fakeMvcc) SetPropagatedSafeTimeOnFollower(ht hlc.HybridTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.propagated = append(m.mu.propagated, ht)
}

// fakeApplier records applies in order.
type fakeApplier struct {
	mu struct {
		syncutil.Mutex
		writes []consensus.OpID
	}
	applyErr error
}

func (a *fakeApplier) ApplyWrite(req *WriteRequest, ht hlc.HybridTime, id consensus.OpID) error {
	if a.applyErr != nil {
		return a.applyErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mu.writes = append(a.mu.writes, id)
	return nil
}

func (a *fakeApplier) ApplyChangeMetadata(
	req *ChangeMetadataRequest, ht hlc.HybridTime, id consensus.OpID,
) error {
	return a.applyErr
}

func (a *fakeApplier) ApplySnapshot(req *SnapshotRequest, ht hlc.HybridTime, id consensus.OpID) error {
	return a.applyErr
}

func (a *fakeApplier) ApplyTransactionUpdate(
	req *TransactionUpdateRequest, ht hlc.HybridTime, id consensus.OpID,
) error {
	return a.applyErr
}

func (a *fakeApplier) appliedWrites() []consensus.OpID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]consensus.OpID(nil), a.mu.writes...)
}

// testOp is a configurable operation that records every lifecycle call.
type testOp struct {
	state *OperationState
	typ   Type

	prepareErr     error
	replicatedErr  error
	prepareEntered chan struct{}
	prepareGate    chan struct{}

	mu struct {
		syncutil.Mutex
		starts     int
		replicated []int64
		aborted    []error
	}
}

var _ Operation = (*testOp)(nil)

func newTestOp(tablet Tablet, typ Type) *testOp {
	return &testOp{state: NewOperationState(tablet), typ: typ}
}

func (o *testOp) Type() Type             { return o.typ }
func (o *testOp) State() *OperationState { return o.state }

func (o *testOp) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   o.typ.String(),
		TabletID: o.state.Tablet().TabletID(),
	}
}

func (o *testOp) Prepare() error {
	if o.prepareEntered != nil {
		close(o.prepareEntered)
		o.prepareEntered = nil
	}
	if o.prepareGate != nil {
		<-o.prepareGate
	}
	return o.prepareErr
}

func (o *testOp) Start() {
	o.state.startLocally()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mu.starts++
}

func (o *testOp) Replicated(leaderTerm int64) error {
	if o.replicatedErr != nil {
		return o.replicatedErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mu.replicated = append(o.mu.replicated, leaderTerm)
	return nil
}

func (o *testOp) Aborted(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mu.aborted = append(o.mu.aborted, reason)
}

func (o *testOp) SpaceUsed() int64 { return 128 }

func (o *testOp) String() string { return fmt.Sprintf("testOp{%s}", o.typ) }

func (o *testOp) counts() (starts int, replicated []int64, aborted []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mu.starts,
		append([]int64(nil), o.mu.replicated...),
		append([]error(nil), o.mu.aborted...)
}

// driverEnv bundles the collaborators of one driver under test.
type driverEnv struct {
	tablet   *fakeTablet
	cons     *fakeConsensus
	tracker  *OperationTracker
	preparer *fakePreparer
	verifier *OperationOrderVerifier
	mvcc     *fakeMvcc
}

func newDriverEnv() *driverEnv {
	return &driverEnv{
		tablet:   newFakeTablet("tablet-1"),
		cons:     newFakeConsensus("tablet-1"),
		tracker:  NewOperationTracker(0, nil),
		preparer: &fakePreparer{},
		verifier: NewOperationOrderVerifier(),
		mvcc:     &fakeMvcc{},
	}
}

func (e *driverEnv) newDriver(knobs TestingKnobs) *OperationDriver {
	return NewOperationDriver(
		context.Background(), e.tracker, e.cons, e.preparer, e.verifier, e.mvcc, knobs)
}

// readStates snapshots the driver's lifecycle states.
func readStates(d *OperationDriver) (ReplicationState, PrepareState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.replicationState, d.mu.prepareState
}

// bindReplicaRound wires a replica-side round and pre-assigned position onto
// op, the way the tablet peer does when adopting an entry from the leader,
// and returns the round.
func bindReplicaRound(
	d *OperationDriver, op *testOp, id consensus.OpID, ht hlc.HybridTime,
) *consensus.Round {
	round := consensus.NewRound(op.NewReplicateMsg(), d.ReplicationFinished)
	round.SetID(id)
	op.state.SetConsensusRound(round)
	op.state.SetOpID(id)
	op.state.SetHybridTime(ht)
	return round
}
