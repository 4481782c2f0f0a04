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

// ChangeMetadataRequest describes a schema or table-metadata change.
type ChangeMetadataRequest struct {
	// SchemaVersion is the version being installed; it must advance past
	// PrevSchemaVersion.
	SchemaVersion     uint32
	PrevSchemaVersion uint32
	NewTableName      string
}

// ChangeMetadataOperation replicates a tablet metadata change.
type ChangeMetadataOperation struct {
	baseOperation
	applier Applier
	req     *ChangeMetadataRequest
}

var _ Operation = (*ChangeMetadataOperation)(nil)

// NewChangeMetadataOperation constructs a change-metadata operation.
func NewChangeMetadataOperation(
	state *OperationState, applier Applier, req *ChangeMetadataRequest, completion func(error),
) *ChangeMetadataOperation {
	return &ChangeMetadataOperation{
		baseOperation: baseOperation{state: state, completion: completion},
		applier:       applier,
		req:           req,
	}
}

func (c *ChangeMetadataOperation) Type() Type {
	return TypeChangeMetadata
}

func (c *ChangeMetadataOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   c.Type().String(),
		TabletID: c.state.Tablet().TabletID(),
		Request:  c.req,
	}
}

func (c *ChangeMetadataOperation) Prepare() error {
	if c.req.SchemaVersion == 0 && c.req.NewTableName == "" {
		return errors.New("change-metadata request carries no change")
	}
	if c.req.SchemaVersion != 0 && c.req.SchemaVersion <= c.req.PrevSchemaVersion {
		return errors.Newf("schema version %d does not advance past %d",
			c.req.SchemaVersion, c.req.PrevSchemaVersion)
	}
	return nil
}

func (c *ChangeMetadataOperation) Replicated(leaderTerm int64) error {
	if err := c.applier.ApplyChangeMetadata(c.req, c.state.HybridTime(), c.state.OpID()); err != nil {
		return err
	}
	c.complete(nil)
	return nil
}

func (c *ChangeMetadataOperation) Aborted(reason error) {
	c.complete(reason)
}

func (c *ChangeMetadataOperation) SpaceUsed() int64 {
	return int64(64 + len(c.req.NewTableName))
}

func (c *ChangeMetadataOperation) String() string {
	return fmt.Sprintf("ChangeMetadataOperation{schema_version: %d, hybrid_time: %s}",
		c.req.SchemaVersion, c.state.HybridTime())
}
