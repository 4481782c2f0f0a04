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

import "time"

// delayExemptTabletID marks tablets whose writes are never slowed down by
// TestingKnobs.DelayExecuteAsync.
const delayExemptTabletID = "00000000000000000000000000000000"

// TestingKnobs are test hooks consumed at driver construction.
type TestingKnobs struct {
	// DelayExecuteAsync pauses ExecuteAsync for write operations on tablets
	// other than the exempt sentinel, to widen race windows in tests.
	DelayExecuteAsync time.Duration
}
