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

// Package log provides leveled, context-aware logging. Messages are formatted
// through redact so that unsafe values stay marked, and are prefixed with the
// log tags carried by the context (tablet id, peer uuid and the like).
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/tabletkv/tabletkv/pkg/util/timeutil"
)

// Severity labels a log entry.
type Severity int

const (
	severityInfo Severity = iota
	severityWarning
	severityError
	severityFatal
)

func (s Severity) prefix() string {
	switch s {
	case severityInfo:
		return "I"
	case severityWarning:
		return "W"
	case severityError:
		return "E"
	case severityFatal:
		return "F"
	}
	return "?"
}

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stderr

	verbosity atomic.Int32
)

// SetOutput redirects log output, returning the previous writer. Used by
// tests.
func SetOutput(w io.Writer) io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	prev := output
	output = w
	return prev
}

// SetVerbosity sets the highest level at which VInfof calls are emitted.
func SetVerbosity(level int32) {
	verbosity.Store(level)
}

// V reports whether verbose logs at the given level are enabled.
func V(level int32) bool {
	return verbosity.Load() >= level
}

func formatEntry(ctx context.Context, sev Severity, format string, args ...interface{}) string {
	msg := redact.Sprintf(format, args...).StripMarkers()
	tags := ""
	if b := logtags.FromContext(ctx); b != nil {
		tags = " [" + b.String() + "]"
	}
	return fmt.Sprintf("%s%s%s %s\n",
		sev.prefix(), timeutil.Now().Format("060102 15:04:05.000000"), tags, msg)
}

func emit(ctx context.Context, sev Severity, format string, args ...interface{}) {
	entry := formatEntry(ctx, sev, format, args...)
	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Fprint(output, entry)
}

// Infof logs an informational message.
func Infof(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, severityInfo, format, args...)
}

// VInfof logs an informational message if verbosity is at least level.
func VInfof(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		emit(ctx, severityInfo, format, args...)
	}
}

// Warningf logs a warning.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, severityWarning, format, args...)
}

// Errorf logs an error.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, severityError, format, args...)
}

// Fatalf logs the message with a stack trace and terminates the process. It
// is reserved for invariant violations: continuing past one risks corrupting
// replicated state, so the process must die instead.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, severityFatal, format, args...)
	outputMu.Lock()
	fmt.Fprintf(output, "%s", debug.Stack())
	outputMu.Unlock()
	os.Exit(7)
}
