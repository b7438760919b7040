package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/calltrace/pkg/calltree"
	"github.com/mbeema/calltrace/pkg/config"
)

func buildTree(t *testing.T) *calltree.Span {
	t.Helper()
	start := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	root, err := calltree.NewSpan("OrderService", "Place", 7)
	if err != nil {
		t.Fatalf("NewSpan: %v", err)
	}
	root.Start(start)
	root.SetMetadata("order.id", "1001")

	child, err := calltree.NewSpan("Inventory", "Reserve", 7)
	if err != nil {
		t.Fatalf("NewSpan: %v", err)
	}
	child.StopWith(start.Add(time.Millisecond), 4*time.Millisecond)
	root.AddChild(child)

	grandchild, err := calltree.NewSpan("Warehouse", "Lock", 9)
	if err != nil {
		t.Fatalf("NewSpan: %v", err)
	}
	grandchild.StopWith(start.Add(2*time.Millisecond), time.Millisecond)
	child.AddChild(grandchild)

	root.Stop(start.Add(10 * time.Millisecond))
	return root
}

func TestAppendTreePreservesStructure(t *testing.T) {
	root := buildTree(t)
	traceID := randomID(16)

	spans := appendTree(nil, root, traceID, nil)
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}

	rootSpan, childSpan, grandSpan := spans[0], spans[1], spans[2]

	if rootSpan.Name != "OrderService.Place" {
		t.Errorf("root name = %q", rootSpan.Name)
	}
	if len(rootSpan.ParentSpanId) != 0 {
		t.Errorf("root has a parent id: %x", rootSpan.ParentSpanId)
	}
	if !bytes.Equal(childSpan.ParentSpanId, rootSpan.SpanId) {
		t.Error("child not linked to root")
	}
	if !bytes.Equal(grandSpan.ParentSpanId, childSpan.SpanId) {
		t.Error("grandchild not linked to child")
	}

	for i, s := range spans {
		if !bytes.Equal(s.TraceId, traceID) {
			t.Errorf("span %d has a different trace id", i)
		}
		if len(s.SpanId) != 8 {
			t.Errorf("span %d id length = %d, want 8", i, len(s.SpanId))
		}
		if s.Kind != tracepb.Span_SPAN_KIND_INTERNAL {
			t.Errorf("span %d kind = %v", i, s.Kind)
		}
	}
}

func TestAppendTreeCarriesTiming(t *testing.T) {
	root := buildTree(t)
	spans := appendTree(nil, root, randomID(16), nil)

	rootSpan := spans[0]
	if rootSpan.EndTimeUnixNano-rootSpan.StartTimeUnixNano != uint64(10*time.Millisecond) {
		t.Errorf("root duration = %dns, want 10ms",
			rootSpan.EndTimeUnixNano-rootSpan.StartTimeUnixNano)
	}
}

func TestAppendTreeAttributes(t *testing.T) {
	root := buildTree(t)
	spans := appendTree(nil, root, randomID(16), nil)

	attrs := make(map[string]string)
	var threadID int64
	for _, kv := range spans[0].Attributes {
		if v := kv.Value.GetStringValue(); v != "" {
			attrs[kv.Key] = v
		}
		if kv.Key == "thread.id" {
			threadID = kv.Value.GetIntValue()
		}
	}

	if attrs["order.id"] != "1001" {
		t.Errorf("metadata attribute missing: %v", attrs)
	}
	if attrs["code.namespace"] != "OrderService" || attrs["code.function"] != "Place" {
		t.Errorf("code attributes = %v", attrs)
	}
	if threadID != 7 {
		t.Errorf("thread.id = %d, want 7", threadID)
	}
}

func TestExporterLifecycle(t *testing.T) {
	// Dialing is lazy, so construction and shutdown need no live endpoint.
	exp, err := NewOTLPExporter(&config.OTLPConfig{
		Endpoint: "localhost:4317",
		Insecure: true,
	}, "calltrace-test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewOTLPExporter: %v", err)
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestRandomIDLengthAndVariety(t *testing.T) {
	a, b := randomID(16), randomID(16)
	if len(a) != 16 || len(b) != 16 {
		t.Fatalf("id lengths = %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("consecutive ids are identical")
	}
}
