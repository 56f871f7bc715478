package healthcheck

import (
	"context"
	"testing"
)

type staticChecker []CheckResult

func (c staticChecker) ListChecks(ctx context.Context) []CheckResult {
	return c
}

func TestRunFoldsStatuses(t *testing.T) {
	t.Parallel()

	report := Run(context.Background(),
		staticChecker{{ID: "b", Status: StatusOK}},
		nil,
		staticChecker{{ID: "a", Status: StatusWarn}},
	)
	if report.Status != StatusWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
	if len(report.Checks) != 2 || report.Checks[0].ID != "a" {
		t.Fatalf("unexpected checks order: %+v", report.Checks)
	}

	report = Run(context.Background(),
		staticChecker{{ID: "a", Status: StatusError}},
		staticChecker{{ID: "b", Status: StatusWarn}},
	)
	if report.Status != StatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
}

func TestRunWithoutCheckers(t *testing.T) {
	t.Parallel()

	report := Run(context.Background())
	if report.Status != StatusOK || report.Checks == nil || len(report.Checks) != 0 {
		t.Fatalf("unexpected empty report: %+v", report)
	}
}
