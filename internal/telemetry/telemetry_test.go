package telemetry

import (
	"context"
	"testing"
)

func TestSetup_NoneIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_Stdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Exporter: "statsd"}); err == nil {
		t.Fatal("Setup should reject an unknown exporter")
	}
}
