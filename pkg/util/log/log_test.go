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

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/logtags"
	"github.com/stretchr/testify/require"
)

func TestLogIncludesContextTags(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	ctx := logtags.AddTag(context.Background(), "T", "tablet-1")
	ctx = logtags.AddTag(ctx, "P", "peer-7")
	Infof(ctx, "operation %s applied", "write")

	out := buf.String()
	require.Contains(t, out, "tablet-1")
	require.Contains(t, out, "peer-7")
	require.Contains(t, out, "operation write applied")
	require.True(t, out[0] == 'I')
}

func TestVerbosityGatesVInfof(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	defer SetVerbosity(0)

	VInfof(context.Background(), 2, "quiet")
	require.Empty(t, buf.String())

	SetVerbosity(2)
	require.True(t, V(2))
	require.False(t, V(3))
	VInfof(context.Background(), 2, "loud")
	require.Contains(t, buf.String(), "loud")
}
