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

// Package consensus defines the types exchanged between the per-operation
// drivers and the replication layer: the replicated-log position (OpID), the
// in-memory replicate record, and the consensus round that carries an entry
// through append and quorum commit. The replication protocol itself lives
// behind the Consensus interface.
package consensus

import (
	"context"
	"fmt"

	"github.com/tabletkv/tabletkv/pkg/util/hlc"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
)

// UnknownTerm marks an operation whose term is not (yet) known. Passing it to
// a driver's Init selects the replica path: the entry was received from the
// leader and already carries its log position.
const UnknownTerm int64 = -1

// OpID is the position of an entry in the replicated log.
type OpID struct {
	Term  int64
	Index int64
}

// Valid reports whether the id has been assigned. Log indexes start at 1, so
// the zero value is never a real position.
func (id OpID) Valid() bool {
	return id != OpID{}
}

func (id OpID) String() string {
	return fmt.Sprintf("%d.%d", id.Term, id.Index)
}

// ReplicateMsg is the in-memory record handed to the replication layer for
// one operation. The hybrid time and monotonic counter are stamped by the
// driver's append callback immediately before the entry is written to the
// local log; until then they are zero.
type ReplicateMsg struct {
	OpType   string
	TabletID string
	Request  interface{}

	HybridTime       hlc.HybridTime
	MonotonicCounter int64
}

// ReplicatedCallback is invoked once consensus has a final answer for an
// entry: a nil status with the committing leader's term on quorum commit, a
// non-nil status if replication failed.
type ReplicatedCallback func(status error, leaderTerm int64)

// AppendCallback is invoked by the log subsystem on the leader immediately
// before the entry is written to the local log.
type AppendCallback interface {
	HandleConsensusAppend()
}

// Round tracks one entry through consensus. Created by Consensus.NewRound on
// the leader; the id becomes known once the entry is assigned a log position.
type Round struct {
	replicateMsg *ReplicateMsg
	replicatedCb ReplicatedCallback
	appendCb     AppendCallback
	boundTerm    int64

	mu struct {
		syncutil.Mutex
		id OpID
	}
}

// NewRound constructs a round for msg. replicatedCb fires when the entry
// commits or replication fails.
func NewRound(msg *ReplicateMsg, replicatedCb ReplicatedCallback) *Round {
	return &Round{replicateMsg: msg, replicatedCb: replicatedCb}
}

// ReplicateMsg returns the record being replicated.
func (r *Round) ReplicateMsg() *ReplicateMsg {
	return r.replicateMsg
}

// BindToTerm restricts the round to the given leader term. If the term
// changes before the entry is appended, replication fails rather than
// committing under a different leader.
func (r *Round) BindToTerm(term int64) {
	r.boundTerm = term
}

// BoundTerm returns the term the round was bound to.
func (r *Round) BoundTerm() int64 {
	return r.boundTerm
}

// SetAppendCallback registers cb to run just before the local log append.
// Must be called before the round is handed to Consensus.ReplicateBatch.
func (r *Round) SetAppendCallback(cb AppendCallback) {
	r.appendCb = cb
}

// NotifyAppend invokes the append callback. Called by the log subsystem.
func (r *Round) NotifyAppend() {
	if r.appendCb != nil {
		r.appendCb.HandleConsensusAppend()
	}
}

// SetID records the log position assigned to this entry.
func (r *Round) SetID(id OpID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.id = id
}

// ID returns the assigned log position, or the zero OpID if not yet known.
func (r *Round) ID() OpID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mu.id
}

// NotifyReplicationFinished delivers the final status for this round.
func (r *Round) NotifyReplicationFinished(status error, leaderTerm int64) {
	r.replicatedCb(status, leaderTerm)
}

// Consensus is the narrow surface of the replication layer that the operation
// subsystem depends on.
type Consensus interface {
	// NewRound creates a round for msg on the leader path.
	NewRound(msg *ReplicateMsg, replicatedCb ReplicatedCallback) *Round

	// ReplicateBatch submits a batch of rounds for replication. The append
	// callback of each round fires before its local log write; the replicated
	// callback fires on commit or failure.
	ReplicateBatch(ctx context.Context, rounds []*Round) error

	// TabletID identifies the tablet this consensus instance replicates.
	TabletID() string

	// PeerUUID identifies the local peer.
	PeerUUID() string
}
