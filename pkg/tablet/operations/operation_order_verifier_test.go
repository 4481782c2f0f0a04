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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderVerifierAcceptsSequentialIndexes(t *testing.T) {
	v := NewOperationOrderVerifier()
	var violations []string
	v.fatalf = func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	// The first index is accepted as-is; the log need not start at 1.
	v.CheckApply(42, 100)
	v.CheckApply(43, 101)
	v.CheckApply(44, 99) // prepare-time inversion is not an ordering violation
	require.Empty(t, violations)
}

func TestOrderVerifierRejectsGap(t *testing.T) {
	v := NewOperationOrderVerifier()
	var violations []string
	v.fatalf = func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	v.CheckApply(1, 100)
	v.CheckApply(2, 101)
	v.CheckApply(4, 102)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0], "index 4 applied after 2")
}

func TestOrderVerifierRejectsRegression(t *testing.T) {
	v := NewOperationOrderVerifier()
	var violations []string
	v.fatalf = func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	v.CheckApply(7, 100)
	v.CheckApply(7, 101)
	require.Len(t, violations, 1)

	v.CheckApply(6, 102)
	require.Len(t, violations, 2)
}
