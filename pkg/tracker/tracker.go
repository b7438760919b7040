// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package tracker instruments nested method calls. A Tracker is a scoped
// handle over one timed span: opening it links the span into the right
// place in the call tree (same-goroutine stack top, or an explicit
// cross-goroutine parent), and closing it stops the span and, when the
// goroutine's stack empties, lets the Collector account for a finished
// goroutine — the last one out triggers the flush.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/calltrace/pkg/calltree"
)

// Tracker is a scoped handle for one open span. Close it exactly once per
// scope; a second Close is a no-op.
type Tracker struct {
	collector *Collector
	span      *calltree.Span
	gid       uint64

	// owner is false for a tracker returned by the reopen guard: the frame
	// already on the stack keeps ownership, and this handle's Close does
	// not pop or stop.
	owner bool

	mu     sync.Mutex
	closed bool
}

// Open creates a root-level tracker bound to collector, resolving the
// caller identity through the collector's resolver.
func Open(collector *Collector) (*Tracker, error) {
	if collector == nil {
		return nil, fmt.Errorf("%w: collector is nil", ErrInvalidArgument)
	}
	id, err := collector.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracking, err)
	}
	return open(collector, nil, id.ClassName, id.MethodName)
}

// OpenNamed creates a root-level tracker with an explicit identity.
func OpenNamed(collector *Collector, className, methodName string) (*Tracker, error) {
	if collector == nil {
		return nil, fmt.Errorf("%w: collector is nil", ErrInvalidArgument)
	}
	if className == "" || methodName == "" {
		return nil, fmt.Errorf("%w: class and method name must be non-empty", ErrInvalidArgument)
	}
	return open(collector, nil, className, methodName)
}

// OpenChild creates a tracker whose span is a child of parent's span,
// resolving the caller identity. On the parent's own goroutine this is
// ordinary nesting; on another goroutine the child links into the parent's
// child list and starts its own stack.
func OpenChild(parent *Tracker) (*Tracker, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: parent tracker is nil", ErrInvalidArgument)
	}
	id, err := parent.collector.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTracking, err)
	}
	return open(parent.collector, parent, id.ClassName, id.MethodName)
}

// OpenChildNamed creates a child tracker with an explicit identity.
func OpenChildNamed(parent *Tracker, className, methodName string) (*Tracker, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: parent tracker is nil", ErrInvalidArgument)
	}
	if className == "" || methodName == "" {
		return nil, fmt.Errorf("%w: class and method name must be non-empty", ErrInvalidArgument)
	}
	return open(parent.collector, parent, className, methodName)
}

func open(c *Collector, parent *Tracker, className, methodName string) (*Tracker, error) {
	gid := goid()
	st := c.stacks.get(gid)

	// Reopen guard: a scope that calls Open twice for the same frame (the
	// deferred-close pattern wrapped by helpers) must not nest a phantom
	// frame. Reuse the open top-of-stack span and return a non-owning
	// handle.
	if top := st.peek(); top != nil && !top.Stopped() &&
		top.ClassName() == className && top.MethodName() == methodName {
		return &Tracker{collector: c, span: top, gid: gid, owner: false}, nil
	}

	span, err := calltree.NewSpan(className, methodName, gid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	switch {
	case parent != nil && parent.gid != gid:
		// Cross-goroutine spawn: link into the foreign parent under its
		// lock; this goroutine's stack begins fresh with the new span.
		parent.span.AddChild(span)
	case st.peek() != nil:
		// Ordinary same-goroutine nesting under the current top frame.
		st.peek().AddChild(span)
	case parent != nil:
		// Same goroutine but the stack is empty (parent opened elsewhere
		// and handed over): honor the explicit parent.
		parent.span.AddChild(span)
	default:
		c.addRoot(span)
	}

	st.push(span)
	if _, err := c.Start(span, gid); err != nil {
		return nil, err
	}

	return &Tracker{collector: c, span: span, gid: gid, owner: true}, nil
}

// Span returns the tracked span.
func (t *Tracker) Span() *calltree.Span { return t.span }

// AddMetadata sets one metadata entry on the current span.
func (t *Tracker) AddMetadata(key, value string) {
	t.span.SetMetadata(key, value)
}

// AddMetadataMap merges m into the current span's metadata. Last write wins
// per key.
func (t *Tracker) AddMetadataMap(m map[string]string) {
	t.span.MergeMetadata(m)
}

// Elapsed returns the time since the span started.
func (t *Tracker) Elapsed() (time.Duration, error) {
	if !t.span.Started() {
		return 0, fmt.Errorf("%w: span has not started", ErrInvalidState)
	}
	return time.Since(t.span.StartTime()), nil
}

// Close releases the tracker scope. The first successful Close stops the
// span, pops it off the goroutine's stack, and — when that empties the
// stack — tells the collector this goroutine is done, which may flush the
// session and surface a persistence error. Further Closes are no-ops. An
// out-of-order Close fails with ErrTracking without consuming the scope, so
// it can be retried once the nested frames are released.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	if !t.owner {
		t.closed = true
		return nil
	}

	st := t.collector.stacks.get(t.gid)
	popped := st.pop()
	if popped != t.span {
		// Out-of-order disposal. Put the frame back so the rightful owner
		// can still release it, and surface the misuse.
		if popped != nil {
			st.push(popped)
		}
		return fmt.Errorf("%w: closed out of order: expected %s.%s on top of stack",
			ErrTracking, t.span.ClassName(), t.span.MethodName())
	}
	t.closed = true

	if _, err := t.collector.Stop(t.span); err != nil {
		return err
	}

	if st.depth() == 0 {
		t.collector.stacks.remove(t.gid)
		return t.collector.Dispose(t.gid)
	}
	return nil
}
