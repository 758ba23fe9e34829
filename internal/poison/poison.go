// Package poison implements the Poison Store: a per-(org_id,
// dedup_key) failure counter that quarantines a message once it has
// failed poison_threshold times. Like the Idempotency Store, backend
// errors fail open — a degraded counter table downgrades to "not
// quarantined" rather than stalling the Consumer.
package poison

import (
	"context"
	"time"

	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/metrics"
)

// Store tracks failure counts against the poison_counters table.
type Store struct {
	repo      *database.Repository
	threshold int
}

// New returns a Store that quarantines a dedup key once its failure
// count reaches threshold.
func New(repo *database.Repository, threshold int) *Store {
	return &Store{repo: repo, threshold: threshold}
}

// IncrementFailure records a terminal-looking failure for (orgID,
// dedupKey) and returns the new failure count. The first failure for
// a dedup key attempts an insert at count 1; a unique violation means
// a counter already exists, so the count is bumped instead. Any other
// backend error fails open, returning 1 (below any sane threshold) so
// the caller does not quarantine on a database blip.
func (s *Store) IncrementFailure(ctx context.Context, orgID, dedupKey string) int {
	now := time.Now().UTC()

	err := s.repo.IncrementPoisonCounter(ctx, orgID, dedupKey, now)
	if err == nil {
		return 1
	}
	if !database.IsUniqueViolation(err) {
		metrics.RecordFailOpen("poison")
		return 1
	}

	count, err := s.repo.BumpPoisonCounter(ctx, orgID, dedupKey, now)
	if err != nil {
		metrics.RecordFailOpen("poison")
		return 1
	}
	return count
}

// ShouldQuarantine reports whether count has reached the configured
// poison threshold.
func (s *Store) ShouldQuarantine(count int) bool {
	return count >= s.threshold
}

// Reset deletes the poison counter for a dedup key that reached
// COMPLETED, so its next delivery (a new logical attempt) starts
// fresh. A backend error here is logged by the caller via the
// returned error rather than failing open, since a stuck counter
// merely delays future quarantine, it doesn't block processing.
func (s *Store) Reset(ctx context.Context, orgID, dedupKey string) error {
	return s.repo.ResetPoisonCounter(ctx, orgID, dedupKey)
}
