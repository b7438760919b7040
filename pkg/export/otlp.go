// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export forwards completed call trees to an OTLP collector over
// gRPC, as a second destination next to the JSON journal.
package export

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/calltrace/pkg/calltree"
	"github.com/mbeema/calltrace/pkg/config"
)

// OTLPExporter sends call trees via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	opts        []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Enable gzip compression for gRPC (default: gzip)
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.Ready, connectivity.Idle:
		return nil
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		// Connecting: let it finish.
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// resource returns the OTEL resource attributes for this process. The
// executable name comes from the process table so instrumented binaries
// report their real name even when service_name is left on auto.
func (e *OTLPExporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	exe := e.serviceName
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := proc.Name(); err == nil && name != "" {
			exe = name
		}
	}

	serviceName := e.serviceName
	if serviceName == "" || serviceName == "auto" {
		serviceName = exe
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "calltrace"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", "0.1.0"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		strAttr("process.executable.name", exe),
		intAttr("process.pid", int64(pid)),
	}

	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// ExportTrees sends a batch of root call trees. Each root becomes its own
// trace; ids are generated at export time since the journal format carries
// none.
func (e *OTLPExporter) ExportTrees(ctx context.Context, roots []*calltree.Span) error {
	if len(roots) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	var protoSpans []*tracepb.Span
	for _, root := range roots {
		if root == nil {
			continue
		}
		traceID := randomID(16)
		protoSpans = appendTree(protoSpans, root, traceID, nil)
	}
	if len(protoSpans) == 0 {
		return nil
	}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: e.resource(),
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    "calltrace",
							Version: "0.1.0",
						},
						Spans: protoSpans,
					},
				},
			},
		},
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

// appendTree converts span and its subtree, preserving parent-child links.
func appendTree(out []*tracepb.Span, span *calltree.Span, traceID, parentID []byte) []*tracepb.Span {
	spanID := randomID(8)

	start := span.StartTime()
	end := start.Add(span.Execution())

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		ParentSpanId:      parentID,
		Name:              span.ClassName() + "." + span.MethodName(),
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(start.UnixNano()),
		EndTimeUnixNano:   uint64(end.UnixNano()),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET},
	}

	for k, v := range span.Metadata() {
		ps.Attributes = append(ps.Attributes, strAttr(k, v))
	}
	ps.Attributes = append(ps.Attributes,
		strAttr("code.namespace", span.ClassName()),
		strAttr("code.function", span.MethodName()),
		intAttr("thread.id", int64(span.ThreadID())),
	)

	out = append(out, ps)
	for _, child := range span.Children() {
		out = appendTree(out, child, traceID, spanID)
	}
	return out
}

// randomID returns n random bytes, falling back to the zero id only if the
// system entropy source fails.
func randomID(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
