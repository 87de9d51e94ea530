package observability

import (
	"context"
	"testing"

	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/log"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestSetupUnreachableCollector(t *testing.T) {
	// Export is fire-and-forget: an unreachable collector must not fail
	// setup, and shutdown must still work.
	cfg := config.TracingConfig{
		Enabled:     true,
		Endpoint:    "localhost:1",
		Environment: "test",
		ServiceName: "okapi-test",
	}

	shutdown, err := Setup(context.Background(), cfg, log.NewNop())
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}
