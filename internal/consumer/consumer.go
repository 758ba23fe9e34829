// Package consumer implements the Worker Harness: the per-org
// delivery loop that decodes, deduplicates, dispatches to a
// registered handler, and drives the lifecycle transitions in
// spec.md §4.7's seven-step decision table. It is the one place that
// ties envelope, idempotency, poison, retry, audit, and response
// together, generalizing the teacher's queue.ConsumeJobs callback
// loop to the richer retry/quarantine/DLQ branching this domain
// needs.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/envelope"
	"github.com/agentqueue/control-plane/internal/idempotency"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/internal/metrics"
	"github.com/agentqueue/control-plane/internal/response"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/internal/tracing"
	"github.com/agentqueue/control-plane/pkg/models"
)

// Decision is the tagged result a Handler reports for one envelope,
// replacing an error-only return so the harness's retry/quarantine/DLQ
// branching never depends on sentinel-error comparison.
type Decision struct {
	Kind   DecisionKind
	Result map[string]interface{} // only meaningful when Kind == Success
	Err    error                  // reason, for Transient and Fatal
}

// DecisionKind tags a Decision as one of the three outcomes a handler
// may report for a delivery.
type DecisionKind int

const (
	// Success means the handler completed the work described by the
	// envelope; Decision.Result becomes the response payload's result.
	Success DecisionKind = iota
	// Transient means the failure may succeed on redelivery: the
	// harness runs it through increment_failure/quarantine/retry/DLQ.
	Transient
	// Fatal means the failure will never succeed on redelivery
	// (malformed payload for this type, unknown capability): the
	// harness routes straight to DLQ without consulting poison/retry.
	Fatal
)

// Handler processes one envelope's payload. It must return once ctx
// is done with either the completed Decision or a Transient/Fatal
// Decision describing why it could not finish in time.
type Handler interface {
	Handle(ctx context.Context, env *models.Envelope) Decision
}

// Registry dispatches by envelope type, mirroring the teacher's single
// ConsumeJobs callback generalized into a capability lookup (SPEC_FULL
// §9.3).
type Registry map[string]Handler

// dlqPublisher is the subset of broker.Publisher the Harness needs for
// quarantine, retry-exhaustion, and fatal-failure routing.
type dlqPublisher interface {
	PublishDLQ(ctx context.Context, orgID string, env *models.Envelope, reason string) error
}

// idempotencyStore is the subset of idempotency.Store the Harness
// needs. Extracted, like the other dependencies below, so the seven-step
// decision table can be driven by fakes in tests instead of a live
// broker and Postgres-backed repository.
type idempotencyStore interface {
	MarkAndCheck(ctx context.Context, orgID, dedupKey string) idempotency.Outcome
}

// poisonStore is the subset of poison.Store the Harness needs.
type poisonStore interface {
	IncrementFailure(ctx context.Context, orgID, dedupKey string) int
	ShouldQuarantine(count int) bool
	Reset(ctx context.Context, orgID, dedupKey string) error
}

// retryScheduler is the subset of retry.Scheduler the Harness needs.
type retryScheduler interface {
	ShouldRetry(retryCount int) bool
	ScheduleRetry(ctx context.Context, orgID string, env *models.Envelope, retryCount int, firstSeenAt string) error
}

// responseSender is the subset of response.Streamer the Harness needs.
type responseSender interface {
	Send(ctx context.Context, agentID string, payload *models.ResponsePayload) error
}

// inFlightLimiter is the subset of ratelimit.Limiter the Harness needs.
type inFlightLimiter interface {
	AcquireInFlight(ctx context.Context, orgID string) (bool, error)
	ReleaseInFlight(ctx context.Context, orgID string) error
}

// auditSink is the subset of audit.Batcher the Harness needs.
type auditSink interface {
	Enqueue(ev *models.AuditEvent)
}

// Harness owns one AMQP channel's delivery loop for a single org and
// drives every delivery through the seven-step decision table.
type Harness struct {
	channel    *amqp.Channel
	publisher  dlqPublisher
	idem       idempotencyStore
	poisonSt   poisonStore
	retrySch   retryScheduler
	auditB     auditSink
	responses  responseSender
	limiter    inFlightLimiter
	handlers   Registry
	handlerCfg config.HandlerConfig
	log        *logging.Logger

	wg sync.WaitGroup
}

// New returns a Harness wiring the given components together. channel
// is dedicated to this Harness's consume loop; publish-side
// republishes (retry, DLQ) go through publisher's own channel. limiter
// bounds §4.11's per-org in-flight concurrency across every process
// sharing it; a limiter with no configured cap always admits.
func New(
	channel *amqp.Channel,
	publisher dlqPublisher,
	idem idempotencyStore,
	poisonSt poisonStore,
	retrySch retryScheduler,
	auditB auditSink,
	responses responseSender,
	limiter inFlightLimiter,
	handlers Registry,
	handlerCfg config.HandlerConfig,
	log *logging.Logger,
) *Harness {
	return &Harness{
		channel:    channel,
		publisher:  publisher,
		idem:       idem,
		poisonSt:   poisonSt,
		retrySch:   retrySch,
		auditB:     auditB,
		responses:  responses,
		limiter:    limiter,
		handlers:   handlers,
		handlerCfg: handlerCfg,
		log:        log,
	}
}

// Run sets the channel's prefetch to concurrency and consumes
// orgID's request queue until ctx is cancelled or the delivery
// channel closes. Each delivery is handled on its own goroutine,
// naturally bounded by prefetch since the broker won't push more than
// concurrency unacked deliveries at a time.
func (h *Harness) Run(ctx context.Context, orgID string, concurrency int) error {
	if err := h.channel.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	queue := topology.RequestQueue(orgID)
	msgs, err := h.channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer for %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			h.wg.Add(1)
			go func(d amqp.Delivery) {
				defer h.wg.Done()
				h.handleDelivery(ctx, orgID, d)
			}(d)
		}
	}
}

// Drain waits for in-flight deliveries to finish, up to grace. It is
// the harness half of the shutdown sequence in SPEC_FULL §5: the
// caller stops Run (by cancelling ctx) first, then calls Drain before
// flushing the audit batcher and closing the broker connection.
func (h *Harness) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}

// handleDelivery runs one delivery through spec.md §4.7's seven steps.
// The span it starts continues whatever trace the producer recorded
// in x-trace-context-* when it published the envelope, so a message's
// full lifecycle (publish, every retry, final outcome) shows up as one
// trace rather than one disconnected span per hop.
func (h *Harness) handleDelivery(ctx context.Context, orgID string, d amqp.Delivery) {
	ctx = tracing.ExtractAMQPHeaders(ctx, map[string]interface{}(d.Headers))
	span, ctx := tracing.StartSpan(ctx, "consumer.handle_delivery")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "org_id", orgID)

	var env models.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		tracing.LogError(span, err)
		h.rejectInvalid(d, orgID, "", fmt.Sprintf("invalid_envelope: %v", err))
		return
	}
	if err := envelope.Validate(&env); err != nil {
		tracing.LogError(span, err)
		h.rejectInvalid(d, orgID, env.MessageID, fmt.Sprintf("invalid_envelope: %v", err))
		return
	}
	tracing.SetTag(span, "message_id", env.MessageID)
	tracing.SetTag(span, "message_type", env.Type)

	retryCount := headerInt(d.Headers, "x-retry-count")
	firstSeenAt := headerString(d.Headers, "x-first-seen-at")
	if firstSeenAt == "" {
		firstSeenAt = time.Now().UTC().Format(time.RFC3339)
	}

	dedupKey := env.DedupKey()
	if h.idem.MarkAndCheck(ctx, orgID, dedupKey) == idempotency.Duplicate {
		h.handleDuplicate(ctx, orgID, &env, d)
		return
	}

	admitted, err := h.limiter.AcquireInFlight(ctx, orgID)
	if err != nil {
		h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to acquire in-flight lease", err)
	} else if !admitted {
		// Org is already at its cross-process concurrency cap. Requeue
		// for another delivery attempt rather than blocking this
		// process's other org loops on a held channel.
		_ = d.Nack(false, true)
		return
	}
	if admitted {
		defer func() {
			if err := h.limiter.ReleaseInFlight(context.Background(), orgID); err != nil {
				h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to release in-flight lease", err)
			}
		}()
	}

	// Only a first delivery claims the idempotency key; a redelivery the
	// harness republished through the retry ladder (x-retry-count > 0)
	// reaches the handler again.
	dedupKey := env.DedupKey()
	if retryCount == 0 && h.idem.MarkAndCheck(ctx, orgID, dedupKey) == idempotency.Duplicate {
		h.handleDuplicate(ctx, orgID, &env, d)
		return
	}

	h.auditB.Enqueue(&models.AuditEvent{
		Message: &models.MessageRecord{
			MessageID: env.MessageID, OrgID: orgID, AgentID: env.AgentID,
			Type: env.Type, Priority: env.Priority, Status: models.StateProcessing, Payload: env.Payload,
		},
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventProcessing, Timestamp: time.Now().UTC(),
		},
	})
	if env.AgentID != "" {
		if err := h.responses.Send(ctx, env.AgentID, response.BuildAcknowledgment(&env)); err != nil {
			h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to send acknowledgment", err)
		}
	}

	handler, ok := h.handlers[env.Type]
	if !ok {
		h.failFatal(ctx, orgID, &env, d, fmt.Sprintf("no handler registered for type %q", env.Type))
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, h.handlerCfg.Deadline())
	defer cancel()

	start := time.Now()
	decision := handler.Handle(handlerCtx, &env)
	metrics.HandlerDuration.WithLabelValues(orgID, env.Type).Observe(time.Since(start).Seconds())

	switch decision.Kind {
	case Success:
		h.succeed(ctx, orgID, &env, d, decision.Result)
	case Transient:
		tracing.LogError(span, decision.Err)
		h.handleTransientFailure(ctx, orgID, &env, d, retryCount, firstSeenAt, decision.Err)
	default:
		tracing.LogError(span, decision.Err)
		h.failFatal(ctx, orgID, &env, d, errString(decision.Err))
	}
}

// handleDuplicate implements step 2: a redelivery whose dedup key was
// already marked is acked without invoking the handler again.
func (h *Harness) handleDuplicate(ctx context.Context, orgID string, env *models.Envelope, d amqp.Delivery) {
	h.auditB.Enqueue(&models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventDuplicateSkipped, Timestamp: time.Now().UTC(),
		},
	})
	if env.AgentID != "" {
		if err := h.responses.Send(ctx, env.AgentID, response.BuildError(env, "DuplicateMessage", "message already processed")); err != nil {
			h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to send duplicate error response", err)
		}
	}
	_ = d.Ack(false)
	metrics.DuplicatesSkippedTotal.WithLabelValues(orgID).Inc()
	metrics.RecordProcessed(orgID, "duplicate")
}

// succeed implements step 5.
func (h *Harness) succeed(ctx context.Context, orgID string, env *models.Envelope, d amqp.Delivery, result map[string]interface{}) {
	h.auditB.Enqueue(&models.AuditEvent{
		Message: &models.MessageRecord{
			MessageID: env.MessageID, OrgID: orgID, AgentID: env.AgentID,
			Type: env.Type, Priority: env.Priority, Status: models.StateCompleted, Payload: env.Payload,
		},
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventCompleted, Timestamp: time.Now().UTC(),
		},
	})
	if env.AgentID != "" {
		if err := h.responses.Send(ctx, env.AgentID, response.BuildResult(env, result)); err != nil {
			h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to send result", err)
		}
	}
	_ = d.Ack(false)

	if err := h.poisonSt.Reset(ctx, orgID, env.DedupKey()); err != nil {
		h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to reset poison counter", err)
	}
	metrics.RecordProcessed(orgID, "completed")
}

// handleTransientFailure implements step 6: increment_failure, then
// quarantine, retry, or DLQ in that priority order.
func (h *Harness) handleTransientFailure(ctx context.Context, orgID string, env *models.Envelope, d amqp.Delivery, retryCount int, firstSeenAt string, handlerErr error) {
	dedupKey := env.DedupKey()
	count := h.poisonSt.IncrementFailure(ctx, orgID, dedupKey)

	if h.poisonSt.ShouldQuarantine(count) {
		h.auditB.Enqueue(&models.AuditEvent{
			Event: &models.MessageEventRecord{
				MessageID: env.MessageID, OrgID: orgID, EventType: models.EventPoisonQuarantined,
				Details: map[string]interface{}{"failure_count": count}, Timestamp: time.Now().UTC(),
			},
		})
		if err := h.publisher.PublishDLQ(ctx, orgID, env, "poison_quarantined"); err != nil {
			h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to publish quarantined message to dlq", err)
		}
		_ = d.Ack(false)
		metrics.QuarantinedTotal.WithLabelValues(orgID).Inc()
		metrics.RecordProcessed(orgID, "quarantined")
		return
	}

	if h.retrySch.ShouldRetry(retryCount) {
		if err := h.retrySch.ScheduleRetry(ctx, orgID, env, retryCount, firstSeenAt); err != nil {
			h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to schedule retry", err)
		}
		h.auditB.Enqueue(&models.AuditEvent{
			Event: &models.MessageEventRecord{
				MessageID: env.MessageID, OrgID: orgID, EventType: models.EventRetryScheduled,
				Details: map[string]interface{}{"retry_count": retryCount + 1, "reason": errString(handlerErr)}, Timestamp: time.Now().UTC(),
			},
		})
		_ = d.Ack(false)
		metrics.RetryScheduledTotal.WithLabelValues(orgID).Inc()
		metrics.RecordProcessed(orgID, "retrying")
		return
	}

	reason := "max_retries_exceeded"
	if handlerErr != nil {
		reason = handlerErr.Error()
	}
	if err := h.publisher.PublishDLQ(ctx, orgID, env, reason); err != nil {
		h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to publish exhausted-retry message to dlq", err)
	}
	h.auditB.Enqueue(&models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventDeadLetter,
			Details: map[string]interface{}{"reason": reason}, Timestamp: time.Now().UTC(),
		},
	})
	_ = d.Ack(false)
	metrics.DeadLetteredTotal.WithLabelValues(orgID, reason).Inc()
	metrics.RecordProcessed(orgID, "dead_lettered")
}

// failFatal implements step 7: a non-retryable failure goes straight
// to the DLQ without consulting the poison store or retry scheduler.
func (h *Harness) failFatal(ctx context.Context, orgID string, env *models.Envelope, d amqp.Delivery, reason string) {
	h.auditB.Enqueue(&models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventFailed,
			Details: map[string]interface{}{"reason": reason}, Timestamp: time.Now().UTC(),
		},
	})
	if err := h.publisher.PublishDLQ(ctx, orgID, env, reason); err != nil {
		h.log.WithOrgID(orgID).WithMessageID(env.MessageID).ErrorWithErr("failed to publish fatal-failure message to dlq", err)
	}
	h.auditB.Enqueue(&models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: env.MessageID, OrgID: orgID, EventType: models.EventDeadLetter,
			Details: map[string]interface{}{"reason": reason}, Timestamp: time.Now().UTC(),
		},
	})
	_ = d.Ack(false)
	metrics.DeadLetteredTotal.WithLabelValues(orgID, "fatal").Inc()
	metrics.RecordProcessed(orgID, "dead_lettered")
}

// rejectInvalid implements step 1: a delivery that cannot be decoded
// or re-validated is acked (never retried) with a failed audit event.
func (h *Harness) rejectInvalid(d amqp.Delivery, orgID, messageID, reason string) {
	h.auditB.Enqueue(&models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: messageID, OrgID: orgID, EventType: models.EventFailed,
			Details: map[string]interface{}{"reason": reason}, Timestamp: time.Now().UTC(),
		},
	})
	_ = d.Ack(false)
	metrics.RecordProcessed(orgID, "invalid")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// headerInt reads an AMQP table integer header. amqp091-go decodes
// wire integers into different Go integer widths depending on
// magnitude, so every width is handled rather than assuming one.
func headerInt(headers amqp.Table, key string) int {
	switch n := headers[key].(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	default:
		return 0
	}
}

func headerString(headers amqp.Table, key string) string {
	s, _ := headers[key].(string)
	return s
}
