// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package journal grows JSON-array log files in place. Each Report splices
// one batch array into the target files without ever reading or rewriting
// prior content, so the file stays a valid JSON document after every
// successful append.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/calltrace/pkg/calltree"
)

// ErrPersistence is returned when an append still fails after the full
// retry budget. The batch is not requeued; retrying or discarding it is the
// caller's decision.
var ErrPersistence = errors.New("journal: persistence failed")

// Target identifies one output log file.
type Target struct {
	Name      string
	Directory string
}

// path returns the target file path, optionally date-prefixed.
func (t Target) path(datePrefix bool, now time.Time) string {
	name := t.Name + ".json"
	if datePrefix {
		name = now.Format("2006-01-02") + "-" + name
	}
	return filepath.Join(t.Directory, name)
}

const (
	defaultAttempts   = 10
	defaultRetryDelay = 100 * time.Millisecond

	// scanChunk is the read size for the backward bracket scan.
	scanChunk = 4096
)

// Options configures a Writer. Zero values fall back to defaults.
type Options struct {
	// Attempts is the number of tries per target before giving up
	// (default 10).
	Attempts int
	// RetryDelay is the pause between attempts (default 100ms).
	RetryDelay time.Duration
	// DatePrefix prepends YYYY-MM-DD- to file names.
	DatePrefix bool
	// Encoder serializes a batch to a JSON array (default calltree
	// JSONEncoder).
	Encoder calltree.Encoder
}

// Writer appends completed span batches to one or more JSON journal files.
type Writer struct {
	logger     *zap.Logger
	targets    []Target
	attempts   int
	retryDelay time.Duration
	datePrefix bool
	enc        calltree.Encoder

	// One lock per target path; concurrent Reports to the same file never
	// interleave their writes.
	locks sync.Map // string → *sync.Mutex
}

// NewWriter creates a writer over targets. Every target needs a name and a
// directory.
func NewWriter(targets []Target, opts Options, logger *zap.Logger) (*Writer, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("journal: at least one target is required")
	}
	for _, t := range targets {
		if t.Name == "" || t.Directory == "" {
			return nil, fmt.Errorf("journal: target name and directory must be non-empty")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		logger:     logger,
		targets:    targets,
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		datePrefix: opts.DatePrefix,
		enc:        opts.Encoder,
	}
	if w.attempts <= 0 {
		w.attempts = defaultAttempts
	}
	if w.retryDelay <= 0 {
		w.retryDelay = defaultRetryDelay
	}
	if w.enc == nil {
		w.enc = calltree.JSONEncoder{}
	}
	return w, nil
}

// Report durably appends batch to every target. Nil records are skipped; an
// empty batch leaves every file untouched. Each target's append is retried
// with a fixed delay; exhaustion surfaces ErrPersistence.
func (w *Writer) Report(batch []*calltree.Span) error {
	records := make([]*calltree.Span, 0, len(batch))
	for _, s := range batch {
		if s != nil {
			records = append(records, s)
		}
	}
	if len(records) == 0 {
		return nil
	}

	doc, err := w.enc.Encode(records)
	if err != nil {
		return fmt.Errorf("%w: encode batch: %v", ErrPersistence, err)
	}

	now := time.Now()
	var errs []error
	for _, t := range w.targets {
		path := t.path(w.datePrefix, now)
		if err := w.appendWithRetry(path, doc); err != nil {
			errs = append(errs, err)
			continue
		}
		w.logger.Debug("batch appended",
			zap.String("file", path),
			zap.Int("records", len(records)),
		)
	}
	return errors.Join(errs...)
}

// appendWithRetry attempts the append up to w.attempts times, pausing
// w.retryDelay between attempts. Transient contention (the file locked by a
// concurrent writer) usually clears within a few rounds.
func (w *Writer) appendWithRetry(path string, doc []byte) error {
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		lastErr = w.append(path, doc)
		if lastErr == nil {
			return nil
		}
		if attempt < w.attempts {
			w.logger.Warn("append failed, retrying",
				zap.String("file", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", w.retryDelay),
				zap.Error(lastErr),
			)
			time.Sleep(w.retryDelay)
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrPersistence, path, w.attempts, lastErr)
}

// append splices doc (a JSON array) into the file at path. The file grows
// into a JSON array of batch arrays: `[<batch>,<batch>,...]`.
func (w *Writer) append(path string, doc []byte) error {
	mu := w.lock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	offset, err := insertionOffset(f)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	// Discard the old closing bracket (and anything after it).
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	prefix := byte('[')
	if offset > 0 {
		prefix = ','
	}

	payload := make([]byte, 0, len(doc)+2)
	payload = append(payload, prefix)
	payload = append(payload, doc...)
	payload = append(payload, ']')

	if _, err := f.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// insertionOffset scans the file backward for the second `]` from the end.
// The last `]` is the file's own closing bracket; the one before it closes
// the previous batch array, and the splice point sits immediately after it.
// Fewer than two brackets means an empty or damaged file, which is rebuilt
// from offset zero.
func insertionOffset(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()

	var (
		buf   [scanChunk]byte
		seen  int
		pos   = size
	)
	for pos > 0 {
		n := int64(len(buf))
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := f.ReadAt(buf[:n], pos); err != nil && err != io.EOF {
			return 0, err
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] != ']' {
				continue
			}
			seen++
			if seen == 2 {
				return pos + i + 1, nil
			}
		}
	}
	return 0, nil
}

func (w *Writer) lock(path string) *sync.Mutex {
	if mu, ok := w.locks.Load(path); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := w.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
