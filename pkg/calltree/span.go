// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package calltree

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrEmptyIdentity is returned when a span is created without a class or
// method name.
var ErrEmptyIdentity = errors.New("calltree: class and method name must be non-empty")

// Span is one timed invocation node in a call tree.
//
// A span is created by a tracker (or directly by a collaborator), started
// once, accumulates metadata and children while open, and is stopped once.
// Both transitions are idempotent: a second Start or Stop leaves the record
// unchanged. The child list supports concurrent appends — parallel child
// trackers sharing one parent attach under the parent's lock.
//
// The parent back-reference is non-owning and exists only for traversal;
// serialization walks subMethods exclusively, never the parent link.
type Span struct {
	mu sync.Mutex

	className  string
	methodName string

	startTime time.Time
	execution time.Duration
	started   bool
	stopped   bool

	metadata map[string]string

	parent   *Span
	children []*Span

	// Goroutine that created the record. Needed to route cross-goroutine
	// child attachment back to the right stack.
	threadID uint64
}

// NewSpan creates an unstarted span with the given identity and thread origin.
func NewSpan(className, methodName string, threadID uint64) (*Span, error) {
	if className == "" || methodName == "" {
		return nil, ErrEmptyIdentity
	}
	return &Span{
		className:  className,
		methodName: methodName,
		threadID:   threadID,
	}, nil
}

// Start records the start timestamp. Starting an already-started span is a
// no-op that returns the record unchanged.
func (s *Span) Start(now time.Time) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return s
	}
	s.startTime = now
	s.started = true
	return s
}

// Stop records the execution duration as now minus the start timestamp.
// Stopping an already-stopped span is a no-op that returns the record
// unchanged.
func (s *Span) Stop(now time.Time) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.started {
		return s
	}
	s.execution = now.Sub(s.startTime)
	s.stopped = true
	return s
}

// StopWith records an externally measured duration, for collaborators that
// timed the call themselves. Idempotent like Stop.
func (s *Span) StopWith(start time.Time, d time.Duration) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s
	}
	if !s.started {
		s.startTime = start
		s.started = true
	}
	s.execution = d
	s.stopped = true
	return s
}

// ClassName returns the class part of the span identity.
func (s *Span) ClassName() string { return s.className }

// MethodName returns the method part of the span identity.
func (s *Span) MethodName() string { return s.methodName }

// ThreadID returns the id of the goroutine that created the span.
func (s *Span) ThreadID() uint64 { return s.threadID }

// Started reports whether the span has been started. Once true it never
// reverts.
func (s *Span) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stopped reports whether the span has been stopped. Once true it never
// reverts.
func (s *Span) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StartTime returns the recorded start timestamp (zero before Start).
func (s *Span) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Execution returns the recorded duration (zero before Stop).
func (s *Span) Execution() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execution
}

// SetMetadata sets one metadata entry. Last write wins per key.
func (s *Span) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metadata == nil {
		s.metadata = make(map[string]string)
	}
	s.metadata[key] = value
}

// MergeMetadata merges all entries of m into the span metadata.
func (s *Span) MergeMetadata(m map[string]string) {
	if len(m) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metadata == nil {
		s.metadata = make(map[string]string, len(m))
	}
	for k, v := range m {
		s.metadata[k] = v
	}
}

// Metadata returns a copy of the metadata map.
func (s *Span) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// AddChild appends child to the owned child list and sets its parent link.
// Safe for concurrent use by sibling goroutines attaching to one parent:
// no append is lost or duplicated; order among concurrent appends is
// unspecified.
func (s *Span) AddChild(child *Span) {
	if child == nil {
		return
	}
	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()

	child.mu.Lock()
	child.parent = s
	child.mu.Unlock()
}

// Children returns a snapshot of the child list.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Span, len(s.children))
	copy(out, s.children)
	return out
}

// Parent returns the non-owning parent back-reference (nil for roots).
func (s *Span) Parent() *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

// spanJSON is the persisted shape of a span. The parent link is deliberately
// absent — emitting it would recurse forever.
type spanJSON struct {
	ClassName   string            `json:"className"`
	MethodName  string            `json:"methodName"`
	StartTime   string            `json:"startTime,omitempty"`
	ExecutionMS *float64          `json:"executionTime,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubMethods  []*Span           `json:"subMethods,omitempty"`
}

// MarshalJSON emits the span and its subtree. Timestamps use RFC3339Nano;
// unset fields are omitted.
func (s *Span) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	v := spanJSON{
		ClassName:  s.className,
		MethodName: s.methodName,
		Metadata:   s.metadata,
		SubMethods: s.children,
	}
	if s.started {
		v.StartTime = s.startTime.Format(time.RFC3339Nano)
	}
	if s.stopped {
		ms := float64(s.execution) / float64(time.Millisecond)
		v.ExecutionMS = &ms
	}
	s.mu.Unlock()

	return json.Marshal(v)
}
