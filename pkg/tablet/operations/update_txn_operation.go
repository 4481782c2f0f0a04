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

// TxnStatus is the replicated status of a distributed transaction.
type TxnStatus int

const (
	TxnStatusUnknown TxnStatus = iota
	TxnStatusCommitted
	TxnStatusAborted
	TxnStatusApplying
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusCommitted:
		return "committed"
	case TxnStatusAborted:
		return "aborted"
	case TxnStatusApplying:
		return "applying"
	}
	return "unknown"
}

// TransactionUpdateRequest records a transaction status transition.
type TransactionUpdateRequest struct {
	TxnID  string
	Status TxnStatus
}

// UpdateTxnOperation replicates a transaction status record.
type UpdateTxnOperation struct {
	baseOperation
	applier Applier
	req     *TransactionUpdateRequest
}

var _ Operation = (*UpdateTxnOperation)(nil)

// NewUpdateTxnOperation constructs an update-transaction operation.
func NewUpdateTxnOperation(
	state *OperationState, applier Applier, req *TransactionUpdateRequest, completion func(error),
) *UpdateTxnOperation {
	return &UpdateTxnOperation{
		baseOperation: baseOperation{state: state, completion: completion},
		applier:       applier,
		req:           req,
	}
}

func (u *UpdateTxnOperation) Type() Type {
	return TypeUpdateTransaction
}

func (u *UpdateTxnOperation) NewReplicateMsg() *consensus.ReplicateMsg {
	return &consensus.ReplicateMsg{
		OpType:   u.Type().String(),
		TabletID: u.state.Tablet().TabletID(),
		Request:  u.req,
	}
}

func (u *UpdateTxnOperation) Prepare() error {
	if u.req.TxnID == "" {
		return errors.New("transaction update missing txn id")
	}
	if u.req.Status == TxnStatusUnknown {
		return errors.Newf("transaction %s update carries unknown status", u.req.TxnID)
	}
	return nil
}

func (u *UpdateTxnOperation) Replicated(leaderTerm int64) error {
	if err := u.applier.ApplyTransactionUpdate(u.req, u.state.HybridTime(), u.state.OpID()); err != nil {
		return err
	}
	u.complete(nil)
	return nil
}

func (u *UpdateTxnOperation) Aborted(reason error) {
	u.complete(reason)
}

func (u *UpdateTxnOperation) SpaceUsed() int64 {
	return int64(64 + len(u.req.TxnID))
}

func (u *UpdateTxnOperation) String() string {
	return fmt.Sprintf("UpdateTxnOperation{txn: %s, status: %s, hybrid_time: %s}",
		u.req.TxnID, u.req.Status, u.state.HybridTime())
}
