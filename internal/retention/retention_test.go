package retention

import "testing"

func TestMetricOrgLabel(t *testing.T) {
	if got, want := metricOrgLabel(""), "all"; got != want {
		t.Errorf("metricOrgLabel(\"\") = %q, want %q", got, want)
	}
	if got, want := metricOrgLabel("org-a"), "org-a"; got != want {
		t.Errorf("metricOrgLabel(org-a) = %q, want %q", got, want)
	}
}

// TestPurgeDLQDeletesOlderThanCutoff and TestPurgeIdempotencyDeletesOlderThanCutoff
// document expected behavior against a live Postgres instance: rows
// older than the retention window are deleted and counted, rows
// within the window are left alone.
func TestPurgeDLQDeletesOlderThanCutoff(t *testing.T) {
	t.Skip("integration test - requires a live Postgres instance, see internal/database")
}

func TestPurgeIdempotencyDeletesOlderThanCutoff(t *testing.T) {
	t.Skip("integration test - requires a live Postgres instance, see internal/database")
}
