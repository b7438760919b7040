// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/calltrace/pkg/calltree"
)

const (
	defaultExportTimeout    = 10 * time.Second
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// Reporter adapts the OTLP exporter to the collector's flush boundary,
// guarded by a circuit breaker so a dead collector endpoint cannot stall
// session flushes. Journal persistence is unaffected either way — the
// collector fans out to both through a MultiReporter.
type Reporter struct {
	logger  *zap.Logger
	exp     *OTLPExporter
	breaker *CircuitBreaker
	timeout time.Duration
}

// NewReporter wraps exp for use as a flush destination.
func NewReporter(exp *OTLPExporter, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		logger:  logger,
		exp:     exp,
		breaker: NewCircuitBreaker(defaultFailureThreshold, defaultResetTimeout),
		timeout: defaultExportTimeout,
	}
}

// Report forwards the batch, dropping it when the circuit is open. Export
// failures are logged and recorded but not surfaced: OTLP forwarding is a
// best-effort companion to the journal, which owns durability.
func (r *Reporter) Report(batch []*calltree.Span) error {
	if len(batch) == 0 {
		return nil
	}

	if !r.breaker.Allow() {
		r.logger.Debug("circuit breaker open, dropping batch",
			zap.Int("roots", len(batch)),
		)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.exp.ExportTrees(ctx, batch); err != nil {
		r.breaker.RecordFailure()
		r.logger.Warn("OTLP export failed",
			zap.Int("roots", len(batch)),
			zap.String("state", r.breaker.State().String()),
			zap.Error(err),
		)
		return nil
	}

	r.breaker.RecordSuccess()
	return nil
}
