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

package hlc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
	"golang.org/x/sync/errgroup"
)

func TestHybridTimePacking(t *testing.T) {
	ht := FromMicrosAndLogical(1700000000000000, 42)
	require.True(t, ht.Valid())
	require.Equal(t, int64(1700000000000000), ht.Micros())
	require.Equal(t, uint16(42), ht.Logical())

	require.False(t, Invalid.Valid())
	require.Equal(t, FromMicros(1700000000000000), FromMicrosAndLogical(1700000000000000, 0))
}

func TestClockLogicalAdvanceUnderFrozenWall(t *testing.T) {
	clock := NewClockWithSource(func() int64 { return 1000 })

	first := clock.Now()
	second := clock.Now()
	require.Equal(t, int64(1000), first.Micros())
	require.Equal(t, first.Micros(), second.Micros())
	require.Greater(t, second.Logical(), first.Logical())
	require.Greater(t, second, first)
}

func TestClockLogicalOverflowAdvancesPhysical(t *testing.T) {
	clock := NewClockWithSource(func() int64 { return 1000 })
	var last HybridTime
	for i := 0; i < maxLogical+10; i++ {
		ht := clock.Now()
		require.Greater(t, ht, last)
		last = ht
	}
	require.Greater(t, last.Micros(), int64(1000))
}

func TestClockUpdateFoldsInObservedTime(t *testing.T) {
	clock := NewClockWithSource(func() int64 { return 1000 })
	clock.Update(FromMicrosAndLogical(5000, 3))
	require.Equal(t, FromMicrosAndLogical(5000, 3), clock.Last())

	// Later assignments never regress below the observed time.
	require.Greater(t, clock.Now(), FromMicrosAndLogical(5000, 3))

	// Stale observations are ignored.
	clock.Update(FromMicros(10))
	require.Greater(t, clock.Last(), FromMicros(5000))
}

func TestClockMonotonicUnderConcurrency(t *testing.T) {
	clock := NewClock()
	const workers = 8
	const perWorker = 2000

	var mu syncutil.Mutex
	all := make([]HybridTime, 0, workers*perWorker)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			local := make([]HybridTime, 0, perWorker)
			var prev HybridTime
			for i := 0; i < perWorker; i++ {
				ht := clock.Now()
				if ht <= prev {
					return errors.Newf("clock regressed from %s to %s", prev, ht)
				}
				prev = ht
				local = append(local, ht)
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Every assignment is unique across workers.
	seen := make(map[HybridTime]struct{}, len(all))
	for _, ht := range all {
		_, dup := seen[ht]
		require.False(t, dup, "hybrid time %s assigned twice", ht)
		seen[ht] = struct{}{}
	}
}
