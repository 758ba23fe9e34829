// Package idempotency implements the Idempotency Store: a
// unique-constraint insert that turns a redelivered message into a
// no-op. Backend errors other than the constraint violation itself
// fail open (treated as first-seen) so a degraded database never
// blocks the data plane — see internal/database's uniqueViolation
// detection and SPEC_FULL.md §9 for the availability-over-consistency
// rationale.
package idempotency

import (
	"context"
	"time"

	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/metrics"
)

// Outcome is the result of a mark_and_check claim.
type Outcome int

const (
	// First means this is the first delivery seen for the dedup key;
	// the caller should proceed with processing.
	First Outcome = iota
	// Duplicate means an idempotency key already exists for this
	// dedup key; the caller should short-circuit without processing.
	Duplicate
)

// Store claims (org_id, dedup_key) pairs against the idempotency_keys
// table.
type Store struct {
	repo *database.Repository
}

// New returns a Store backed by repo.
func New(repo *database.Repository) *Store {
	return &Store{repo: repo}
}

// MarkAndCheck inserts the idempotency key for (orgID, dedupKey). A
// unique constraint violation means another delivery already claimed
// this key, so Duplicate is returned. Any other backend error is
// resolved fail-open as First, and counted against the
// "idempotency" fail-open metric so operators can see a degraded
// backend. There is no error return: every backend failure mode has
// an explicit Outcome, matching the store's fail-open contract.
func (s *Store) MarkAndCheck(ctx context.Context, orgID, dedupKey string) Outcome {
	err := s.repo.InsertIdempotencyKey(ctx, orgID, dedupKey, time.Now().UTC())
	if err == nil {
		return First
	}
	if database.IsUniqueViolation(err) {
		return Duplicate
	}

	metrics.RecordFailOpen("idempotency")
	return First
}
