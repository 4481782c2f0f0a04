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

// Package hlc implements the hybrid time type and the hybrid logical clock
// that assigns it. A hybrid time combines physical wall time (microseconds)
// with a logical counter that disambiguates events sharing a microsecond, so
// that per-tablet assignment is monotonically non-decreasing even when the
// wall clock stalls or jumps backwards.
package hlc

import (
	"fmt"

	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
	"github.com/tabletkv/tabletkv/pkg/util/timeutil"
)

// logicalBits is the number of low bits reserved for the logical counter.
const logicalBits = 12

// maxLogical is the largest logical value representable in a HybridTime.
const maxLogical = (1 << logicalBits) - 1

// HybridTime is a 64-bit hybrid timestamp: physical microseconds since the
// Unix epoch in the high 52 bits, a logical counter in the low 12 bits.
// The zero value is Invalid and never assigned to an operation.
type HybridTime uint64

// Invalid is the zero HybridTime.
const Invalid HybridTime = 0

// FromMicros constructs a HybridTime from physical microseconds with a zero
// logical component.
func FromMicros(micros int64) HybridTime {
	return HybridTime(uint64(micros) << logicalBits)
}

// FromMicrosAndLogical constructs a HybridTime from both components.
func FromMicrosAndLogical(micros int64, logical uint16) HybridTime {
	return HybridTime(uint64(micros)<<logicalBits | uint64(logical)&maxLogical)
}

// Valid reports whether ht carries an assigned value.
func (ht HybridTime) Valid() bool {
	return ht != Invalid
}

// Micros returns the physical component in microseconds.
func (ht HybridTime) Micros() int64 {
	return int64(ht >> logicalBits)
}

// Logical returns the logical component.
func (ht HybridTime) Logical() uint16 {
	return uint16(ht & maxLogical)
}

// ToUint64 returns the raw representation stamped into replicate messages.
func (ht HybridTime) ToUint64() uint64 {
	return uint64(ht)
}

func (ht HybridTime) String() string {
	if !ht.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("{ physical: %d logical: %d }", ht.Micros(), ht.Logical())
}

// Clock issues monotonically non-decreasing hybrid times for one tablet.
//
// Now reads the wall clock; if it has advanced past the last issued physical
// component the logical counter resets, otherwise the logical counter is
// bumped under the previous physical component. Update folds in a hybrid time
// observed from a remote node (e.g. a leader-assigned time on a follower) so
// that subsequent local assignments do not regress below it.
type Clock struct {
	// wallMicros is swappable for tests.
	wallMicros func() int64

	mu struct {
		syncutil.Mutex
		lastPhysical int64
		lastLogical  uint16
	}
}

// NewClock returns a Clock backed by the system wall clock.
func NewClock() *Clock {
	return NewClockWithSource(timeutil.NowMicros)
}

// NewClockWithSource returns a Clock reading physical time from wallMicros.
func NewClockWithSource(wallMicros func() int64) *Clock {
	return &Clock{wallMicros: wallMicros}
}

// Now returns the next hybrid time. Successive calls never return decreasing
// values.
func (c *Clock) Now() HybridTime {
	physical := c.wallMicros()

	c.mu.Lock()
	defer c.mu.Unlock()
	if physical > c.mu.lastPhysical {
		c.mu.lastPhysical = physical
		c.mu.lastLogical = 0
	} else {
		if c.mu.lastLogical == maxLogical {
			// Logical overflow within one microsecond: push physical forward.
			c.mu.lastPhysical++
			c.mu.lastLogical = 0
		} else {
			c.mu.lastLogical++
		}
	}
	return FromMicrosAndLogical(c.mu.lastPhysical, c.mu.lastLogical)
}

// Update advances the clock to at least the observed hybrid time. Later calls
// to Now return values strictly greater than observed.
func (c *Clock) Update(observed HybridTime) {
	if !observed.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if observed.Micros() > c.mu.lastPhysical ||
		(observed.Micros() == c.mu.lastPhysical && observed.Logical() > c.mu.lastLogical) {
		c.mu.lastPhysical = observed.Micros()
		c.mu.lastLogical = observed.Logical()
	}
}

// Last returns the most recently issued or observed hybrid time without
// advancing the clock.
func (c *Clock) Last() HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mu.lastPhysical == 0 {
		return Invalid
	}
	return FromMicrosAndLogical(c.mu.lastPhysical, c.mu.lastLogical)
}
