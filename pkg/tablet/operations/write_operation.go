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

// maxKeySize bounds a single row key.
const maxKeySize = 4096

// KeyValue is one cell of a write batch.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// WriteRequest is the client payload of a write operation.
type WriteRequest struct {
	Batch []KeyValue
}

// WriteOperation replicates a batch of row mutations.
type WriteOperation struct {
	baseOperation
	applier Applier
	req     *WriteRequest
}

var _ Operation = (*WriteOperation)(nil)

// NewWriteOperation constructs a write operation. completion may be nil.
func NewWriteOperation(
	state *OperationState, applier Applier, req *WriteRequest, completion func(error),
) *WriteOperation {
	return &WriteOperation{
		baseOperation: baseOperation{state: state, completion: completion},
		applier:       applier,
		req:           req,
	}
}

func (w *WriteOperation) Type() Type {
	return TypeWrite
}

func (w *WriteOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   w.Type().String(),
		TabletID: w.state.Tablet().TabletID(),
		Request:  w.req,
	}
}

func (w *WriteOperation) Prepare() error {
	if len(w.req.Batch) == 0 {
		return errors.New("empty write batch")
	}
	for i := range w.req.Batch {
		kv := &w.req.Batch[i]
		if len(kv.Key) == 0 {
			return errors.Newf("write batch entry %d has an empty key", i)
		}
		if len(kv.Key) > maxKeySize {
			return errors.Newf("write batch entry %d key is %d bytes, max is %d",
				i, len(kv.Key), maxKeySize)
		}
	}
	return nil
}

func (w *WriteOperation) Replicated(leaderTerm int64) error {
	if err := w.applier.ApplyWrite(w.req, w.state.HybridTime(), w.state.OpID()); err != nil {
		return err
	}
	w.complete(nil)
	return nil
}

func (w *WriteOperation) Aborted(reason error) {
	w.complete(reason)
}

func (w *WriteOperation) SpaceUsed() int64 {
	used := int64(64)
	for i := range w.req.Batch {
		used += int64(len(w.req.Batch[i].Key) + len(w.req.Batch[i].Value))
	}
	return used
}

func (w *WriteOperation) String() string {
	return fmt.Sprintf("WriteOperation{batch: %d, hybrid_time: %s}",
		len(w.req.Batch), w.state.HybridTime())
}
