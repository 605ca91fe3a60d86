package telemetry

import (
	"context"
	"testing"

	"github.com/quantsys/scc-hub/internal/config"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatalf("expected no-op tracer/meter to be non-nil")
	}
	_, span, traceID, spanID := p.StartSpan(context.Background(), "test.span")
	span.End()
	if traceID == "" || spanID == "" {
		t.Fatalf("expected non-empty trace/span ids even for no-op provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
