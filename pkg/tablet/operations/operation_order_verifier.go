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
	"context"

	"github.com/tabletkv/tabletkv/pkg/util/log"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
)

// OperationOrderVerifier asserts that operations of one tablet apply in log
// order: each applied index must directly follow the previous one. A
// violation means the apply sequencing upstream is broken, and the process
// dies rather than let out-of-order mutations reach storage.
type OperationOrderVerifier struct {
	// fatalf is swappable so tests can observe violations without dying.
	fatalf func(format string, args ...interface{})

	mu struct {
		syncutil.Mutex
		lastIndex      int64
		lastPrepMicros int64
	}
}

// NewOperationOrderVerifier returns a verifier with no applied history.
func NewOperationOrderVerifier() *OperationOrderVerifier {
	return &OperationOrderVerifier{
		fatalf: func(format string, args ...interface{}) {
			log.Fatalf(context.Background(), format, args...)
		},
	}
}

// CheckApply is called exactly once per operation at apply time with its log
// index and the wall time at which its prepare began. The first index seen is
// accepted as-is (the log may not start at 1 after bootstrap); every
// subsequent index must be exactly the previous plus one.
func (v *OperationOrderVerifier) CheckApply(index int64, prepMicros int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mu.lastIndex != 0 && index != v.mu.lastIndex+1 {
		v.fatalf("apply order violated: index %d applied after %d", index, v.mu.lastIndex)
		return
	}
	if v.mu.lastPrepMicros > prepMicros {
		log.VInfof(context.Background(), 2,
			"operation at index %d prepared at %d, before predecessor at %d",
			index, prepMicros, v.mu.lastPrepMicros)
	}
	v.mu.lastIndex = index
	v.mu.lastPrepMicros = prepMicros
}
