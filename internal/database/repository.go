package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentqueue/control-plane/pkg/models"
)

// uniqueViolation is the Postgres error code raised when an
// idempotency key or poison counter insert collides with an existing
// row. Both the Idempotency Store and the Poison Store key off this
// specific code rather than a generic "insert failed" check.
const uniqueViolation = "23505"

// Repository provides the audit, idempotency, and poison database
// operations shared by the Consumer, Audit Batcher, and retention
// jobs.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// IsUniqueViolation reports whether err is a Postgres unique
// constraint violation, the signal both InsertIdempotencyKey and
// IncrementPoisonCounter use to detect an existing row versus an
// unexpected backend error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Messages / message_events / dlq_messages (Audit Batcher writes)

// UpsertMessages writes or refreshes the latest-state row for each
// message record in the batch.
func (r *Repository) UpsertMessages(ctx context.Context, records []*models.MessageRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO messages (message_id, org_id, agent_id, type, priority, status, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id) DO UPDATE SET
				status = EXCLUDED.status,
				payload = EXCLUDED.payload
		`, rec.MessageID, rec.OrgID, rec.AgentID, rec.Type, rec.Priority, rec.Status, rec.Payload)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert message record: %w", err)
		}
	}
	return nil
}

// InsertMessageEvents appends a batch of lifecycle events.
func (r *Repository) InsertMessageEvents(ctx context.Context, records []*models.MessageEventRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO message_events (message_id, org_id, event_type, details, ts)
			VALUES ($1, $2, $3, $4, $5)
		`, rec.MessageID, rec.OrgID, rec.EventType, rec.Details, rec.Timestamp)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert message event: %w", err)
		}
	}
	return nil
}

// InsertDLQMessages appends a batch of dead-lettered message records.
func (r *Repository) InsertDLQMessages(ctx context.Context, records []*models.DLQMessageRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO dlq_messages (org_id, original_message, error, can_replay, dlq_timestamp)
			VALUES ($1, $2, $3, $4, $5)
		`, rec.OrgID, rec.OriginalMessage, rec.Error, rec.CanReplay, rec.DLQTimestamp)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert dlq message: %w", err)
		}
	}
	return nil
}

// Idempotency keys

// InsertIdempotencyKey attempts to claim (org_id, dedup_key) as a
// first-seen delivery. Callers distinguish a duplicate from an
// unexpected backend error with IsUniqueViolation.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, orgID, dedupKey string, createdAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO idempotency_keys (org_id, dedup_key, created_at)
		VALUES ($1, $2, $3)
	`, orgID, dedupKey, createdAt)
	return err
}

// PurgeIdempotencyKeys deletes idempotency keys created before cutoff
// and returns the number of rows affected. pgx's CommandTag reports
// the rows the backend actually touched; under degraded replication
// or a partial outage this can undercount rows that existed at the
// time of the query but were concurrently deleted, which the caller's
// metric should be read as a lower bound, not an exact count.
func (r *Repository) PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Poison counters

// IncrementPoisonCounter attempts to insert a fresh poison counter row
// at count 1. A unique violation means a counter already exists for
// this (org_id, dedup_key); the caller should fall back to
// BumpPoisonCounter.
func (r *Repository) IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string, updatedAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO poison_counters (org_id, dedup_key, count, updated_at)
		VALUES ($1, $2, 1, $3)
	`, orgID, dedupKey, updatedAt)
	return err
}

// BumpPoisonCounter increments an existing poison counter and returns
// the new count.
func (r *Repository) BumpPoisonCounter(ctx context.Context, orgID, dedupKey string, updatedAt time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE poison_counters
		SET count = count + 1, updated_at = $3
		WHERE org_id = $1 AND dedup_key = $2
		RETURNING count
	`, orgID, dedupKey, updatedAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to bump poison counter: %w", err)
	}
	return count, nil
}

// ResetPoisonCounter deletes the poison counter for a completed
// message, so a subsequent delivery of the same dedup key starts
// fresh.
func (r *Repository) ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM poison_counters WHERE org_id = $1 AND dedup_key = $2
	`, orgID, dedupKey)
	if err != nil {
		return fmt.Errorf("failed to reset poison counter: %w", err)
	}
	return nil
}

// Retention

// PurgeDLQMessages deletes dlq_messages older than cutoff, optionally
// scoped to a single org, and returns the number of rows affected.
func (r *Repository) PurgeDLQMessages(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	var tag pgconn.CommandTag
	var err error

	if orgID == "" {
		tag, err = r.db.Pool.Exec(ctx, `DELETE FROM dlq_messages WHERE dlq_timestamp < $1`, cutoff)
	} else {
		tag, err = r.db.Pool.Exec(ctx, `DELETE FROM dlq_messages WHERE org_id = $1 AND dlq_timestamp < $2`, orgID, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to purge dlq messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
