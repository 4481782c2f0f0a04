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

// Package operations coordinates the two independent lifecycles of a
// replicated write on a tablet: local preparation and consensus replication.
// The OperationDriver is the rendezvous point; Operation implementations
// supply the per-type behavior (write, change-metadata, snapshot,
// update-transaction, empty).
package operations

import (
	"sync/atomic"

	"github.com/tabletkv/tabletkv/pkg/consensus"
	"github.com/tabletkv/tabletkv/pkg/util/hlc"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
)

// Type enumerates the operation variants.
type Type int

const (
	// TypeEmpty is the type reported when no operation is attached.
	TypeEmpty Type = iota
	TypeWrite
	TypeChangeMetadata
	TypeSnapshot
	TypeUpdateTransaction
)

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeWrite:
		return "write"
	case TypeChangeMetadata:
		return "change-metadata"
	case TypeSnapshot:
		return "snapshot"
	case TypeUpdateTransaction:
		return "update-transaction"
	}
	return "unknown"
}

// Tablet is the narrow tablet surface the operation subsystem touches.
type Tablet interface {
	TabletID() string
	Clock() *hlc.Clock
	// MonotonicCounter is a tablet-wide counter stamped into every replicate
	// message at append time.
	MonotonicCounter() *atomic.Int64
}

// MvccManager advances the tablet's MVCC safe time.
type MvccManager interface {
	// SetPropagatedSafeTimeOnFollower applies a leader-propagated safe time
	// on a follower when an operation starts.
	SetPropagatedSafeTimeOnFollower(ht hlc.HybridTime)
}

// Applier performs the durable storage mutation for a replicated operation.
// It is the seam where the storage engine attaches; apply calls for one
// tablet arrive strictly in log-index order.
type Applier interface {
	ApplyWrite(req *WriteRequest, ht hlc.HybridTime, id consensus.OpID) error
	ApplyChangeMetadata(req *ChangeMetadataRequest, ht hlc.HybridTime, id consensus.OpID) error
	ApplySnapshot(req *SnapshotRequest, ht hlc.HybridTime, id consensus.OpID) error
	ApplyTransactionUpdate(req *TransactionUpdateRequest, ht hlc.HybridTime, id consensus.OpID) error
}

// Operation is a single replicated state transition. Implementations supply
// local validation (Prepare), start-of-life actions (Start, which assigns the
// hybrid time), the durable mutation (Replicated) and the failure path
// (Aborted). Exactly one of Replicated or Aborted is invoked per operation.
type Operation interface {
	Type() Type
	State() *OperationState

	// NewReplicateMsg builds the record handed to consensus on the leader.
	NewReplicateMsg() *consensus.ReplicateMsg

	// Prepare performs local validation: schema checks, request bounds, row
	// key locks. Runs on a preparer worker before the operation may start.
	Prepare() error

	// Start marks the operation as started, assigning its hybrid time if one
	// was not already fixed by the leader.
	Start()

	// Replicated applies the operation after quorum commit. When the
	// replication-finished callback drives apply, leaderTerm is the term of
	// the leader that committed the entry; when PrepareAndStart drives apply
	// (replication finished first), leaderTerm is consensus.UnknownTerm and
	// the committing term is not passed.
	Replicated(leaderTerm int64) error

	// Aborted signals that the operation will never be applied.
	Aborted(reason error)

	// SpaceUsed is the approximate in-memory footprint charged against the
	// tracker's budget.
	SpaceUsed() int64

	String() string
}

// OperationState is the per-operation mutable record shared between an
// Operation and its driver: hybrid time, log position, consensus round.
type OperationState struct {
	tablet Tablet

	// consensusRound is set once before the operation becomes visible to
	// concurrent callbacks: at Init on the leader, before Init on a replica.
	consensusRound *consensus.Round

	mu struct {
		syncutil.Mutex
		hybridTime hlc.HybridTime
		opID       consensus.OpID
	}
}

// NewOperationState returns a state bound to tablet.
func NewOperationState(tablet Tablet) *OperationState {
	return &OperationState{tablet: tablet}
}

// Tablet returns the owning tablet surface.
func (s *OperationState) Tablet() Tablet {
	return s.tablet
}

// HybridTime returns the assigned hybrid time, hlc.Invalid if none yet.
func (s *OperationState) HybridTime() hlc.HybridTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.hybridTime
}

// HasHybridTime reports whether a hybrid time has been assigned.
func (s *OperationState) HasHybridTime() bool {
	return s.HybridTime().Valid()
}

// SetHybridTime fixes the operation's hybrid time.
func (s *OperationState) SetHybridTime(ht hlc.HybridTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.hybridTime = ht
}

// startLocally assigns a fresh hybrid time from the tablet clock unless one
// was already fixed (replica path: the leader assigned it).
func (s *OperationState) startLocally() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.hybridTime.Valid() {
		return
	}
	s.mu.hybridTime = s.tablet.Clock().Now()
}

// OpID returns the operation's log position, zero until known.
func (s *OperationState) OpID() consensus.OpID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.opID
}

// SetOpID records the operation's log position.
func (s *OperationState) SetOpID(id consensus.OpID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.opID = id
}

// ConsensusRound returns the round carrying this operation, nil on replicas
// before adoption.
func (s *OperationState) ConsensusRound() *consensus.Round {
	return s.consensusRound
}

// SetConsensusRound binds the round carrying this operation.
func (s *OperationState) SetConsensusRound(r *consensus.Round) {
	s.consensusRound = r
}
