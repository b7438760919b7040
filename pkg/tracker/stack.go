// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"sync"

	"github.com/mbeema/calltrace/pkg/calltree"
)

// stackRegistry maps goroutine ids to their stack of open spans. Entries are
// created lazily on a goroutine's first open and removed when its stack
// empties. The registry is owned by a Collector — there is no process-wide
// hidden state.
type stackRegistry struct {
	stacks sync.Map // uint64 → *spanStack
}

// spanStack is one goroutine's stack of open spans.
type spanStack struct {
	mu    sync.Mutex
	spans []*calltree.Span
}

// get returns the stack for gid, creating it if absent. Creation is an
// insert-if-absent so racing first opens on the same goroutine id converge
// on one stack.
func (r *stackRegistry) get(gid uint64) *spanStack {
	if st, ok := r.stacks.Load(gid); ok {
		return st.(*spanStack)
	}
	st, _ := r.stacks.LoadOrStore(gid, &spanStack{})
	return st.(*spanStack)
}

// peek returns the top open span for gid without creating a stack.
func (r *stackRegistry) peek(gid uint64) *calltree.Span {
	st, ok := r.stacks.Load(gid)
	if !ok {
		return nil
	}
	return st.(*spanStack).peek()
}

// remove drops the stack entry for gid once the goroutine is done.
func (r *stackRegistry) remove(gid uint64) {
	r.stacks.Delete(gid)
}

func (s *spanStack) push(span *calltree.Span) {
	s.mu.Lock()
	s.spans = append(s.spans, span)
	s.mu.Unlock()
}

// pop removes and returns the top span, or nil if the stack is empty.
func (s *spanStack) pop() *calltree.Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.spans) == 0 {
		return nil
	}
	top := s.spans[len(s.spans)-1]
	s.spans[len(s.spans)-1] = nil
	s.spans = s.spans[:len(s.spans)-1]
	return top
}

func (s *spanStack) peek() *calltree.Span {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.spans) == 0 {
		return nil
	}
	return s.spans[len(s.spans)-1]
}

func (s *spanStack) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans)
}
