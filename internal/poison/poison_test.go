package poison

import "testing"

func TestShouldQuarantine(t *testing.T) {
	s := New(nil, 3)

	tests := []struct {
		count int
		want  bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{4, true},
	}

	for _, tt := range tests {
		if got := s.ShouldQuarantine(tt.count); got != tt.want {
			t.Errorf("ShouldQuarantine(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestShouldQuarantineCustomThreshold(t *testing.T) {
	s := New(nil, 1)

	if !s.ShouldQuarantine(1) {
		t.Error("expected count equal to threshold 1 to quarantine")
	}
	if s.ShouldQuarantine(0) {
		t.Error("expected count 0 to not quarantine with threshold 1")
	}
}

// TestIncrementFailure_FirstThenBump documents expected behavior
// against a live Postgres instance: the first failure for a dedup key
// starts the counter at 1, subsequent failures bump it.
func TestIncrementFailure_FirstThenBump(t *testing.T) {
	t.Skip("integration test - requires a live Postgres instance, see internal/database")
}

// TestIncrementFailure_FailsOpenOnBackendError documents that an
// unexpected backend error resolves to a count of 1 (never
// quarantined on its own) rather than blocking the Consumer.
func TestIncrementFailure_FailsOpenOnBackendError(t *testing.T) {
	t.Skip("integration test - requires a live Postgres instance with an injected failure")
}
