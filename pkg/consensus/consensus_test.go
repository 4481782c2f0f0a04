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

package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpIDValidity(t *testing.T) {
	require.False(t, OpID{}.Valid())
	require.True(t, OpID{Term: 1, Index: 1}.Valid())
	require.Equal(t, "3.17", OpID{Term: 3, Index: 17}.String())
}

type recordingAppendCallback struct {
	calls int
}

func (c *recordingAppendCallback) HandleConsensusAppend() {
	c.calls++
}

func TestRoundCallbacks(t *testing.T) {
	msg := &ReplicateMsg{OpType: "write", TabletID: "tablet-1"}

	var gotStatus error
	var gotTerm int64
	r := NewRound(msg, func(status error, leaderTerm int64) {
		gotStatus = status
		gotTerm = leaderTerm
	})
	r.BindToTerm(4)
	require.Equal(t, int64(4), r.BoundTerm())
	require.Same(t, msg, r.ReplicateMsg())

	// NotifyAppend without a callback registered is a no-op.
	r.NotifyAppend()

	cb := &recordingAppendCallback{}
	r.SetAppendCallback(cb)
	r.NotifyAppend()
	require.Equal(t, 1, cb.calls)

	require.False(t, r.ID().Valid())
	r.SetID(OpID{Term: 4, Index: 2})
	require.Equal(t, OpID{Term: 4, Index: 2}, r.ID())

	r.NotifyReplicationFinished(nil, 4)
	require.NoError(t, gotStatus)
	require.Equal(t, int64(4), gotTerm)
}
