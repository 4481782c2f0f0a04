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

// Package testutils holds shared test helpers.
package testutils

import (
	"testing"
	"time"
)

// DefaultSucceedsSoonDuration is how long SucceedsSoon retries before
// failing the test.
const DefaultSucceedsSoonDuration = 45 * time.Second

// SucceedsSoon retries fn with exponential backoff until it returns nil,
// failing t if it still errors after DefaultSucceedsSoonDuration.
func SucceedsSoon(t testing.TB, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(DefaultSucceedsSoonDuration)
	wait := time.Millisecond
	var err error
	for {
		if err = fn(); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition failed to evaluate within %s: %v",
				DefaultSucceedsSoonDuration, err)
		}
		time.Sleep(wait)
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}
