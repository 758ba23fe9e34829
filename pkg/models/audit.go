package models

import "time"

// MessageRecord is the `messages` table row: latest known state for a
// message_id. Updated in place by the Consumer.
type MessageRecord struct {
	MessageID string                 `db:"message_id"`
	OrgID     string                 `db:"org_id"`
	AgentID   string                 `db:"agent_id"`
	Type      string                 `db:"type"`
	Priority  int                    `db:"priority"`
	Status    MessageState           `db:"status"`
	Payload   map[string]interface{} `db:"payload"`
}

// MessageEventRecord is an append-only `message_events` row written by
// the Audit Batcher.
type MessageEventRecord struct {
	MessageID string                 `db:"message_id"`
	OrgID     string                 `db:"org_id"`
	EventType string                 `db:"event_type"`
	Details   map[string]interface{} `db:"details"`
	Timestamp time.Time              `db:"ts"`
}

// DLQMessageRecord is a `dlq_messages` row: a terminal failure with
// enough context to support operator replay.
type DLQMessageRecord struct {
	OrgID           string                 `db:"org_id"`
	OriginalMessage map[string]interface{} `db:"original_message"`
	Error           map[string]interface{} `db:"error"`
	CanReplay       bool                   `db:"can_replay"`
	DLQTimestamp    time.Time              `db:"dlq_timestamp"`
}

// AuditEvent is the unit enqueued into the Audit Batcher. It may carry
// a MessageRecord upsert, a MessageEventRecord append, a
// DLQMessageRecord insert, or any combination, since a single state
// transition commonly produces more than one durable write.
type AuditEvent struct {
	Message     *MessageRecord
	Event       *MessageEventRecord
	DLQ         *DLQMessageRecord
	EnqueuedAt  time.Time
}
