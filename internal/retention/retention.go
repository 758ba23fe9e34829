// Package retention implements the periodic purge jobs: DLQ messages
// past their retention window and idempotency keys past their TTL.
// Both are idempotent and safe to run concurrently across disjoint
// org partitions, matching the original cleanup_dlq.py/
// cleanup_idempotency.py cron scripts.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/metrics"
)

// Jobs runs the DLQ and idempotency purge jobs against the repository.
type Jobs struct {
	repo *database.Repository
}

// New returns a Jobs runner backed by repo.
func New(repo *database.Repository) *Jobs {
	return &Jobs{repo: repo}
}

// PurgeDLQ deletes dlq_messages older than retentionDays, optionally
// scoped to a single org, and records the purged count against the
// agentqueue_dlq_purged_total metric. The affected-row count comes
// directly from the backend's command tag, so under concurrent
// deletes from another job run it is a lower bound on what existed at
// query time, not a guaranteed exact count.
func (j *Jobs) PurgeDLQ(ctx context.Context, orgID string, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deleted, err := j.repo.PurgeDLQMessages(ctx, orgID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dlq messages: %w", err)
	}

	metrics.DLQPurgedTotal.WithLabelValues(metricOrgLabel(orgID)).Add(float64(deleted))
	return deleted, nil
}

// PurgeIdempotency deletes idempotency_keys older than ttlDays. The
// original scripts never scoped this by org, so neither does this
// job; the metric is still emitted under an "all" label to keep it
// observable alongside the per-org DLQ purge.
func (j *Jobs) PurgeIdempotency(ctx context.Context, ttlDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -ttlDays)

	deleted, err := j.repo.PurgeIdempotencyKeys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}

	metrics.IdempotencyPurgedTotal.WithLabelValues("all").Add(float64(deleted))
	return deleted, nil
}

// metricOrgLabel maps an empty (all-orgs) scope to an explicit label
// rather than letting Prometheus see an empty string, which reads as
// a missing label rather than an intentional "no org filter" value.
func metricOrgLabel(orgID string) string {
	if orgID == "" {
		return "all"
	}
	return orgID
}
