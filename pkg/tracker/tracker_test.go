package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/calltrace/pkg/caller"
	"github.com/mbeema/calltrace/pkg/calltree"
)

// captureReporter records every flushed batch.
type captureReporter struct {
	mu      sync.Mutex
	batches [][]*calltree.Span
	err     error
}

func (r *captureReporter) Report(batch []*calltree.Span) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *captureReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *captureReporter) batch(i int) []*calltree.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

type staticResolver struct {
	id  caller.Identity
	err error
}

func (s staticResolver) Resolve() (caller.Identity, error) { return s.id, s.err }

func newTestCollector(t *testing.T, rep Reporter, opts ...Option) *Collector {
	t.Helper()
	c, err := NewCollector(rep, opts...)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func TestSingleRootFlushOnClose(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	tr, err := OpenNamed(c, "OrderService", "Place")
	if err != nil {
		t.Fatalf("OpenNamed: %v", err)
	}
	tr.AddMetadata("order.id", "1001")

	if got := c.ActiveGoroutines(); got != 1 {
		t.Fatalf("active goroutines = %d, want 1", got)
	}
	if rep.count() != 0 {
		t.Fatal("flushed before close")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
	batch := rep.batch(0)
	if len(batch) != 1 {
		t.Fatalf("got %d roots, want 1", len(batch))
	}
	root := batch[0]
	if root.ClassName() != "OrderService" || root.MethodName() != "Place" {
		t.Errorf("root identity = %s.%s", root.ClassName(), root.MethodName())
	}
	if !root.Stopped() {
		t.Error("flushed root should be stopped")
	}
	if root.Metadata()["order.id"] != "1001" {
		t.Errorf("metadata = %v", root.Metadata())
	}
	if got := c.ActiveGoroutines(); got != 0 {
		t.Errorf("active goroutines after flush = %d, want 0", got)
	}
}

func TestNestedChildSameGoroutine(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	root, err := OpenNamed(c, "OrderService", "Place")
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	child, err := OpenChildNamed(root, "Inventory", "Reserve")
	if err != nil {
		t.Fatalf("open child: %v", err)
	}

	if err := child.Close(); err != nil {
		t.Fatalf("close child: %v", err)
	}
	if rep.count() != 0 {
		t.Fatal("closing a nested child must not flush")
	}

	if err := root.Close(); err != nil {
		t.Fatalf("close root: %v", err)
	}
	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}

	batch := rep.batch(0)
	if len(batch) != 1 {
		t.Fatalf("got %d roots, want 1", len(batch))
	}
	children := batch[0].Children()
	if len(children) != 1 {
		t.Fatalf("root has %d children, want 1", len(children))
	}
	if children[0].ClassName() != "Inventory" || children[0].MethodName() != "Reserve" {
		t.Errorf("child identity = %s.%s", children[0].ClassName(), children[0].MethodName())
	}
}

func TestImplicitNestingUnderStackTop(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	root, _ := OpenNamed(c, "Svc", "Outer")
	// Root-style open while Outer is still on the stack nests under it.
	inner, err := OpenNamed(c, "Svc", "Inner")
	if err != nil {
		t.Fatalf("open inner: %v", err)
	}
	if err := inner.Close(); err != nil {
		t.Fatalf("close inner: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("close root: %v", err)
	}

	batch := rep.batch(0)
	if len(batch) != 1 {
		t.Fatalf("got %d roots, want 1", len(batch))
	}
	if len(batch[0].Children()) != 1 {
		t.Fatalf("inner span should nest under the open outer span")
	}
}

func TestParallelChildren(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	root, err := OpenNamed(c, "FanOut", "Run")
	if err != nil {
		t.Fatalf("open root: %v", err)
	}

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child, err := OpenChildNamed(root, "Worker", "Process")
			if err != nil {
				t.Errorf("open child: %v", err)
				return
			}
			if err := child.Close(); err != nil {
				t.Errorf("close child: %v", err)
			}
		}()
	}
	wg.Wait()

	if rep.count() != 0 {
		t.Fatal("flushed while root still open")
	}
	if err := root.Close(); err != nil {
		t.Fatalf("close root: %v", err)
	}

	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
	batch := rep.batch(0)
	if len(batch) != 1 {
		t.Fatalf("got %d roots, want 1", len(batch))
	}
	if got := len(batch[0].Children()); got != n {
		t.Errorf("root has %d children, want %d", got, n)
	}
}

func TestSequentialSessionsFlushIndividually(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	const n = 30
	for i := 0; i < n; i++ {
		tr, err := OpenNamed(c, "Batch", "Step")
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := tr.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	if rep.count() != n {
		t.Fatalf("got %d flushes, want %d", rep.count(), n)
	}
	for i := 0; i < n; i++ {
		if len(rep.batch(i)) != 1 {
			t.Fatalf("batch %d has %d roots, want 1", i, len(rep.batch(i)))
		}
	}
}

func TestSiblingGoroutineHoldsFlush(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	root, err := OpenNamed(c, "Pipeline", "Run")
	if err != nil {
		t.Fatalf("open root: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		child, err := OpenChildNamed(root, "Pipeline", "Stage")
		if err != nil {
			done <- err
			return
		}
		close(started)
		<-release
		done <- child.Close()
	}()

	<-started
	if err := root.Close(); err != nil {
		t.Fatalf("close root: %v", err)
	}

	// The sibling goroutine still holds an open span, so the session must
	// stay open.
	if rep.count() != 0 {
		t.Fatal("flushed while a sibling goroutine held an open span")
	}
	if got := c.ActiveGoroutines(); got != 1 {
		t.Fatalf("active goroutines = %d, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("close child: %v", err)
	}

	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
	batch := rep.batch(0)
	if len(batch) != 1 || len(batch[0].Children()) != 1 {
		t.Errorf("flushed tree shape wrong: %d roots", len(batch))
	}
}

func TestReopenSameFrameReturnsNonOwner(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	first, err := OpenNamed(c, "Svc", "Handle")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := OpenNamed(c, "Svc", "Handle")
	if err != nil {
		t.Fatalf("second open: %v", err)
	}

	if second.Span() != first.Span() {
		t.Fatal("reopening the same frame must reuse the open span")
	}

	if err := second.Close(); err != nil {
		t.Fatalf("close non-owner: %v", err)
	}
	if rep.count() != 0 {
		t.Fatal("non-owner close must not release the frame")
	}
	if first.Span().Stopped() {
		t.Fatal("non-owner close must not stop the span")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close owner: %v", err)
	}
	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	tr, _ := OpenNamed(c, "Svc", "Handle")
	if err := tr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
}

func TestOutOfOrderCloseIsRetriable(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	root, _ := OpenNamed(c, "Svc", "Outer")
	child, _ := OpenChildNamed(root, "Svc", "Inner")

	err := root.Close()
	if !errors.Is(err, ErrTracking) {
		t.Fatalf("out-of-order close: got %v, want ErrTracking", err)
	}
	if rep.count() != 0 {
		t.Fatal("failed close must not flush")
	}

	if err := child.Close(); err != nil {
		t.Fatalf("close child: %v", err)
	}
	if err := root.Close(); err != nil {
		t.Fatalf("retried root close: %v", err)
	}

	if rep.count() != 1 {
		t.Fatalf("got %d flushes, want 1", rep.count())
	}
}

func TestOpenUsesResolver(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep, WithResolver(staticResolver{
		id: caller.Identity{ClassName: "Billing", MethodName: "Charge"},
	}))

	tr, err := Open(c)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tr.Span().ClassName() != "Billing" || tr.Span().MethodName() != "Charge" {
		t.Errorf("identity = %s.%s", tr.Span().ClassName(), tr.Span().MethodName())
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenResolverFailure(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep, WithResolver(staticResolver{
		err: errors.New("no frames"),
	}))

	if _, err := Open(c); !errors.Is(err, ErrTracking) {
		t.Fatalf("got %v, want ErrTracking", err)
	}
	if _, err := OpenNamed(c, "Svc", "Handle"); err != nil {
		t.Fatalf("OpenNamed must not consult the resolver: %v", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	if _, err := NewCollector(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewCollector(nil): got %v", err)
	}
	if _, err := Open(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Open(nil): got %v", err)
	}
	if _, err := OpenNamed(nil, "A", "B"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("OpenNamed(nil): got %v", err)
	}
	if _, err := OpenNamed(c, "", "B"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("OpenNamed empty class: got %v", err)
	}
	if _, err := OpenNamed(c, "A", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("OpenNamed empty method: got %v", err)
	}
	if _, err := OpenChild(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("OpenChild(nil): got %v", err)
	}
	if _, err := OpenChildNamed(nil, "A", "B"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("OpenChildNamed(nil): got %v", err)
	}
}

func TestElapsed(t *testing.T) {
	rep := &captureReporter{}
	c := newTestCollector(t, rep)

	tr, _ := OpenNamed(c, "Svc", "Handle")
	time.Sleep(time.Millisecond)

	d, err := tr.Elapsed()
	if err != nil {
		t.Fatalf("Elapsed: %v", err)
	}
	if d <= 0 {
		t.Errorf("elapsed = %v, want > 0", d)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPersistenceErrorSurfacesOnLastClose(t *testing.T) {
	sentinel := errors.New("disk full")
	rep := &captureReporter{err: sentinel}
	c := newTestCollector(t, rep)

	root, _ := OpenNamed(c, "Svc", "Handle")
	child, _ := OpenChildNamed(root, "Svc", "Inner")

	if err := child.Close(); err != nil {
		t.Fatalf("close child: %v", err)
	}
	if err := root.Close(); !errors.Is(err, sentinel) {
		t.Fatalf("flush error not surfaced: got %v", err)
	}
}
