package telemetry

import (
	"context"
	"testing"
)

func TestSetup_DisabledReturnsNoopTracer(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tracer == nil {
		t.Fatal("expected a non-nil tracer even when telemetry is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("expected no-op shutdown to succeed, got %v", err)
	}

	_, span := StartDispatchSpan(context.Background(), tracer, "run-1", "chan1")
	defer span.End()
}

func TestSetup_UnknownProtocolFails(t *testing.T) {
	_, _, err := Setup(context.Background(), Config{Enabled: true, Protocol: "carrier-pigeon", Endpoint: "localhost:4317"})
	if err == nil {
		t.Fatal("expected an unknown protocol to fail setup")
	}
}
