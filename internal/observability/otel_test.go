package observability

import (
	"context"
	"testing"

	"monidesk/internal/config"
)

func TestSetupTracing_Disabled_NoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestEndpointHost_Parse(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		// "http://" is exactly 7 chars and fails the >7 check, so it is
		// returned unchanged.
		{"http://", "http://"},
		{"https://example.com:4317/path", "example.com:4317/path"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Fatalf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetupTracing_Enabled_DefaultValues(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = true
	cfg.Monitoring.Tracing.Endpoint = ""
	cfg.Monitoring.Tracing.SampleRatio = 0

	shutdown, err := SetupTracing(context.Background(), cfg)
	// Connection failure is acceptable here; only setup is under test.
	if err != nil {
		return
	}
	if shutdown != nil {
		shutdown(context.Background())
	}
}
