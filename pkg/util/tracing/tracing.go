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

// Package tracing provides a lightweight per-operation trace: an append-only
// buffer of timestamped events that every thread touching the operation can
// write to, dumped as text when an operation is slow or stuck. A trace can be
// attached to a context and adopted as a child of an ambient trace.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/tabletkv/tabletkv/pkg/util/syncutil"
	"github.com/tabletkv/tabletkv/pkg/util/timeutil"
)

type traceEvent struct {
	at  time.Time
	msg string
}

// Trace records events for a single operation. Safe for concurrent use.
type Trace struct {
	mu struct {
		syncutil.Mutex
		events   []traceEvent
		children []*Trace
	}
}

// New returns an empty Trace.
func New() *Trace {
	return &Trace{}
}

// Eventf appends a formatted event to the trace. A nil trace ignores the
// event, so call sites need no guards.
func (t *Trace) Eventf(format string, args ...interface{}) {
	if t == nil {
		return
	}
	ev := traceEvent{
		at:  timeutil.Now(),
		msg: redact.Sprintf(format, args...).StripMarkers(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.events = append(t.mu.events, ev)
}

// AddChildTrace attaches child so that it is rendered inside t.
func (t *Trace) AddChildTrace(child *Trace) {
	if t == nil || child == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.children = append(t.mu.children, child)
}

// String renders the trace and its children, one event per line.
func (t *Trace) String() string {
	if t == nil {
		return ""
	}
	var sb strings.Builder
	t.render(&sb, 0)
	return sb.String()
}

func (t *Trace) render(sb *strings.Builder, depth int) {
	t.mu.Lock()
	events := append([]traceEvent(nil), t.mu.events...)
	children := append([]*Trace(nil), t.mu.children...)
	t.mu.Unlock()

	indent := strings.Repeat("  ", depth)
	for _, ev := range events {
		fmt.Fprintf(sb, "%s%s %s\n", indent, ev.at.Format("15:04:05.000000"), ev.msg)
	}
	for _, child := range children {
		fmt.Fprintf(sb, "%schild trace:\n", indent)
		child.render(sb, depth+1)
	}
}

type ctxKey struct{}

// WithTrace returns a context carrying t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the trace attached to ctx, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(ctxKey{}).(*Trace)
	return t
}

// ChildTrace creates a new trace and, if ctx already carries one, attaches
// the new trace as its child.
func ChildTrace(ctx context.Context) *Trace {
	t := New()
	if parent := FromContext(ctx); parent != nil {
		parent.AddChildTrace(t)
	}
	return t
}
