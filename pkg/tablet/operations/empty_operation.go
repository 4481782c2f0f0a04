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

	"github.com/tabletkv/tabletkv/pkg/consensus"
)

// EmptyOperation replicates a no-op entry. A new leader proposes one at the
// start of its term to commit entries from previous terms.
type EmptyOperation struct {
	baseOperation
}

var _ Operation = (*EmptyOperation)(nil)

// NewEmptyOperation constructs a no-op operation.
func NewEmptyOperation(state *OperationState, completion func(error)) *EmptyOperation {
	return &EmptyOperation{
		baseOperation: baseOperation{state: state, completion: completion},
	}
}

func (e *EmptyOperation) Type() Type {
	return TypeEmpty
}

func (e *EmptyOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   e.Type().String(),
		TabletID: e.state.Tablet().TabletID(),
	}
}

func (e *EmptyOperation) Prepare() error {
	return nil
}

func (e *EmptyOperation) Replicated(leaderTerm int64) error {
	e.complete(nil)
	return nil
}

func (e *EmptyOperation) Aborted(reason error) {
	e.complete(reason)
}

func (e *EmptyOperation) SpaceUsed() int64 {
	return 64
}

func (e *EmptyOperation) String() string {
	return fmt.Sprintf("EmptyOperation{hybrid_time: %s}", e.state.HybridTime())
}
