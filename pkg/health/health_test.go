package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	return f.err
}

func TestDatabaseCheckerHealthy(t *testing.T) {
	checker := NewDatabaseChecker(&fakePinger{})

	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy result, got message %q", result.Message)
	}
	if result.CheckedAt.IsZero() {
		t.Error("expected CheckedAt to be set")
	}
}

func TestDatabaseCheckerUnhealthy(t *testing.T) {
	checker := NewDatabaseChecker(&fakePinger{err: errors.New("connection refused")})

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected unhealthy result")
	}
	if result.Message == "" {
		t.Error("expected a failure message")
	}
}

func TestStorageChecker(t *testing.T) {
	checker := NewStorageChecker(t.TempDir())
	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy result, got message %q", result.Message)
	}
}

func TestStorageCheckerMissingRoot(t *testing.T) {
	checker := NewStorageChecker("/nonexistent/hangar/storage")
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("expected unhealthy result for missing root")
	}
}

func TestRegistryAggregates(t *testing.T) {
	reg := NewRegistry(time.Second)
	reg.Register(NewDatabaseChecker(&fakePinger{}))
	reg.Register(NewStorageChecker("/nonexistent/hangar/storage"))

	report := reg.Run(context.Background())
	if report.Healthy {
		t.Error("expected report to be unhealthy when one check fails")
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if !report.Checks["database"].Healthy {
		t.Error("database check should be healthy")
	}
	if report.Checks["storage"].Healthy {
		t.Error("storage check should be unhealthy")
	}
}
