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

// Package timeutil provides time helpers that the rest of the codebase uses
// instead of reaching for the time package directly, so that call sites stay
// mockable and consistently UTC.
package timeutil

import "time"

// FullTimeFormat is the time format used to display any timestamp with date,
// time and time zone data.
const FullTimeFormat = "2006-01-02 15:04:05.999999-07:00:00"

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}

// NowMicros returns the current wall time as microseconds since the Unix
// epoch.
func NowMicros() int64 {
	return Now().UnixMicro()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
