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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceRecordsEvents(t *testing.T) {
	tr := New()
	tr.Eventf("prepare started")
	tr.Eventf("replicated at term %d", 5)

	out := tr.String()
	require.Contains(t, out, "prepare started")
	require.Contains(t, out, "replicated at term 5")
}

func TestNilTraceIsSafe(t *testing.T) {
	var tr *Trace
	tr.Eventf("ignored")
	tr.AddChildTrace(New())
	require.Empty(t, tr.String())
}

func TestChildTraceAttachesToAmbient(t *testing.T) {
	parent := New()
	ctx := WithTrace(context.Background(), parent)
	require.Same(t, parent, FromContext(ctx))

	child := ChildTrace(ctx)
	child.Eventf("child event")
	require.Contains(t, parent.String(), "child event")

	// Without an ambient trace the child stands alone.
	orphan := ChildTrace(context.Background())
	orphan.Eventf("orphan event")
	require.Contains(t, orphan.String(), "orphan event")
	require.NotContains(t, parent.String(), "orphan event")
}
