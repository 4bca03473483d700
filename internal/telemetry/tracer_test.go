// internal/telemetry/tracer_test.go
package telemetry

import (
	"context"
	"testing"
)

// TestInitTracer verifies the provider comes up, registers globally and shuts
// down cleanly.
func TestInitTracer(t *testing.T) {
	tp, err := InitTracer("dev")
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if tp == nil {
		t.Fatal("InitTracer() returned a nil provider")
	}

	if Tracer() == nil {
		t.Error("Tracer() must return the global tracer")
	}

	// A span started through the package tracer must be recordable
	_, span := Tracer().Start(context.Background(), "test-span")
	if !span.IsRecording() {
		t.Error("expected spans to record once the provider is installed")
	}
	span.End()

	ShutdownTracer(context.Background())
}
