package instrumentation

import (
	"context"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() = nil")
	}
	if inst.MeterProvider() == nil {
		t.Error("MeterProvider() = nil")
	}
	if inst.TracerProvider() == nil {
		t.Error("TracerProvider() = nil")
	}
	if inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true by default")
	}

	// No-op instruments still accept recordings.
	inst.Metrics().RecordHTTPRequest(context.Background(), "POST", "/token", 200, 1.5)

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
		func() int64 { return 4 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}
