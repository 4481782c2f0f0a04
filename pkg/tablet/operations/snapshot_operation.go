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
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/tabletkv/tabletkv/pkg/consensus"
)

// SnapshotRequest asks the tablet to create a consistent snapshot.
type SnapshotRequest struct {
	SnapshotID  string
	SnapshotDir string
}

// SnapshotOperation replicates a tablet snapshot request so every peer cuts
// the snapshot at the same log position.
type SnapshotOperation struct {
	baseOperation
	applier Applier
	req     *SnapshotRequest
}

var _ Operation = (*SnapshotOperation)(nil)

// NewSnapshotOperation constructs a snapshot operation.
func NewSnapshotOperation(
	state *OperationState, applier Applier, req *SnapshotRequest, completion func(error),
) *SnapshotOperation {
	return &SnapshotOperation{
		baseOperation: baseOperation{state: state, completion: completion},
		applier:       applier,
		req:           req,
	}
}

func (s *SnapshotOperation) Type() Type {
	return TypeSnapshot
}

func (s *SnapshotOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   s.Type().String(),
		TabletID: s.state.Tablet().TabletID(),
		Request:  s.req,
	}
}

func (s *SnapshotOperation) Prepare() error {
	if s.req.SnapshotID == "" {
		return errors.New("snapshot request missing snapshot id")
	}
	return nil
}

func (s *SnapshotOperation) Replicated(leaderTerm int64) error {
	if err := s.applier.ApplySnapshot(s.req, s.state.HybridTime(), s.state.OpID()); err != nil {
		return err
	}
	s.complete(nil)
	return nil
}

func (s *SnapshotOperation) Aborted(reason error) {
	s.complete(reason)
}

func (s *SnapshotOperation) SpaceUsed() int64 {
	return int64(64 + len(s.req.SnapshotID) + len(s.req.SnapshotDir))
}

func (s *SnapshotOperation) String() string {
	return fmt.Sprintf("SnapshotOperation{snapshot_id: %s, hybrid_time: %s}",
		s.req.SnapshotID, s.state.HybridTime())
}
