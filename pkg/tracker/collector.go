// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/calltrace/pkg/caller"
	"github.com/mbeema/calltrace/pkg/calltree"
)

var (
	// ErrInvalidArgument flags a nil or empty required input. Caller's bug,
	// never retried.
	ErrInvalidArgument = errors.New("tracker: invalid argument")

	// ErrInvalidState flags a query against a span that has not started.
	ErrInvalidState = errors.New("tracker: invalid state")

	// ErrTracking flags an irrecoverable caller identity or an out-of-order
	// scoped release.
	ErrTracking = errors.New("tracker: tracking failed")
)

// Reporter receives a completed root batch for durable persistence. It is
// the boundary to the append writer (and any additional exporters).
type Reporter interface {
	Report(batch []*calltree.Span) error
}

// MultiReporter fans a batch out to every reporter, joining their errors.
func MultiReporter(reporters ...Reporter) Reporter {
	return multiReporter(reporters)
}

type multiReporter []Reporter

func (m multiReporter) Report(batch []*calltree.Span) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collector owns the root batch for one logical session and the accounting
// of goroutines that currently hold open spans. When the last active
// goroutine releases its last span, the accumulated batch is handed to the
// Reporter exactly once and a fresh batch begins.
type Collector struct {
	logger   *zap.Logger
	reporter Reporter
	resolver caller.Resolver
	stacks   *stackRegistry

	mu      sync.Mutex
	roots   []*calltree.Span
	threads map[uint64]struct{}
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithResolver sets the caller identity resolver used by Open and OpenChild.
func WithResolver(r caller.Resolver) Option {
	return func(c *Collector) {
		if r != nil {
			c.resolver = r
		}
	}
}

// NewCollector creates a collector that flushes completed sessions to
// reporter.
func NewCollector(reporter Reporter, opts ...Option) (*Collector, error) {
	if reporter == nil {
		return nil, fmt.Errorf("%w: reporter is nil", ErrInvalidArgument)
	}
	c := &Collector{
		logger:   zap.NewNop(),
		reporter: reporter,
		resolver: caller.NewRuntimeResolver(),
		stacks:   &stackRegistry{},
		threads:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start idempotently starts span and registers gid as an active goroutine
// on its first occurrence in the current session. Returns the (possibly
// already-started) span.
func (c *Collector) Start(span *calltree.Span, gid uint64) (*calltree.Span, error) {
	if span == nil {
		return nil, fmt.Errorf("%w: span is nil", ErrInvalidArgument)
	}

	c.mu.Lock()
	if _, ok := c.threads[gid]; !ok {
		c.threads[gid] = struct{}{}
		c.logger.Debug("goroutine joined session",
			zap.Uint64("goroutine", gid),
			zap.Int("active", len(c.threads)),
		)
	}
	c.mu.Unlock()

	return span.Start(time.Now()), nil
}

// Stop idempotently stops span, computing its duration.
func (c *Collector) Stop(span *calltree.Span) (*calltree.Span, error) {
	if span == nil {
		return nil, fmt.Errorf("%w: span is nil", ErrInvalidArgument)
	}
	return span.Stop(time.Now()), nil
}

// RegisterResult places span into the tree: as a child of the top open span
// on its goroutine's stack if one exists, otherwise into the root batch.
// Collaborators that complete spans without going through a tracker call
// this directly.
func (c *Collector) RegisterResult(span *calltree.Span) error {
	if span == nil {
		return fmt.Errorf("%w: span is nil", ErrInvalidArgument)
	}

	if top := c.stacks.peek(span.ThreadID()); top != nil && top != span {
		top.AddChild(span)
		return nil
	}
	c.addRoot(span)
	return nil
}

// RegisterCompleted builds an already-completed span from an externally
// measured call and registers it on the calling goroutine.
func (c *Collector) RegisterCompleted(className, methodName string, start time.Time, d time.Duration) (*calltree.Span, error) {
	span, err := calltree.NewSpan(className, methodName, goid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	span.StopWith(start, d)
	if err := c.RegisterResult(span); err != nil {
		return nil, err
	}
	return span, nil
}

// Dispose accounts for one finished goroutine. Exactly when the active set
// empties, the current root batch is swapped for a fresh one and handed to
// the reporter. A Start racing with the flush lands either in the outgoing
// batch or cleanly in the next one — never dropped.
func (c *Collector) Dispose(gid uint64) error {
	c.mu.Lock()
	if _, ok := c.threads[gid]; ok {
		delete(c.threads, gid)
	}
	if len(c.threads) != 0 {
		remaining := len(c.threads)
		c.mu.Unlock()
		c.logger.Debug("goroutine left session",
			zap.Uint64("goroutine", gid),
			zap.Int("active", remaining),
		)
		return nil
	}
	batch := c.roots
	c.roots = nil
	c.mu.Unlock()

	c.logger.Debug("session complete, flushing",
		zap.Uint64("goroutine", gid),
		zap.Int("roots", len(batch)),
	)
	return c.reporter.Report(batch)
}

// ActiveGoroutines returns how many goroutines currently hold open spans.
func (c *Collector) ActiveGoroutines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads)
}

func (c *Collector) addRoot(span *calltree.Span) {
	c.mu.Lock()
	c.roots = append(c.roots, span)
	c.mu.Unlock()
}
