package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// CaptureExporter retains exported spans in memory for test assertions.
type CaptureExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func NewCaptureExporter() *CaptureExporter {
	return &CaptureExporter{}
}

func (c *CaptureExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *CaptureExporter) Shutdown(context.Context) error {
	return nil
}

// Spans returns a copy of everything exported so far.
func (c *CaptureExporter) Spans() []sdktrace.ReadOnlySpan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sdktrace.ReadOnlySpan, len(c.spans))
	copy(out, c.spans)
	return out
}

var _ sdktrace.SpanExporter = (*CaptureExporter)(nil)
