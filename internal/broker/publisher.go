// Package broker publishes envelopes and responses onto the topology
// declared by internal/topology. A Publisher owns a single AMQP channel
// in confirm mode: request publishes above priority 0 block on the
// broker's ack before returning, matching the original producer's
// publisher_confirms=(priority != 0) behavior; priority 0 traffic is
// fire-and-forget to keep best-effort, high-volume producers cheap.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/tracing"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/pkg/models"
)

// Publisher publishes to the request, retry, DLQ, and response
// exchanges declared by a topology.Manager.
type Publisher struct {
	channel *amqp.Channel
	topo    *topology.Manager
}

// New wraps an open AMQP channel as a Publisher, putting it into
// confirm mode so PublishRequest and PublishRequestsBatch can await
// broker acknowledgment.
func New(channel *amqp.Channel, topo *topology.Manager) (*Publisher, error) {
	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to put channel into confirm mode: %w", err)
	}
	return &Publisher{channel: channel, topo: topo}, nil
}

// ItemOutcome is the per-item result of PublishRequestsBatch.
type ItemOutcome struct {
	MessageID string
	Err       error
}

// PublishRequest publishes a single envelope to its org's request
// exchange with broker-level priority equal to the envelope's priority
// and persistent delivery. Envelopes with priority > 0 block on the
// broker's publish confirm; priority 0 envelopes do not.
func (p *Publisher) PublishRequest(ctx context.Context, orgID string, env *models.Envelope) error {
	msg, err := p.buildRequestMessage(ctx, env, 0, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	return p.publish(ctx, topology.RequestExchange(orgID), topology.RequestQueue(orgID), msg, env.Priority > 0)
}

// PublishRequestsBatch publishes a batch of envelopes on this
// Publisher's single channel and awaits one confirm barrier at the end
// of the batch, rather than per-message. A per-item publish failure
// (marshal error, channel-level publish error) is recorded in that
// item's outcome without aborting the rest of the batch; confirm
// failures are resolved once all deferred confirmations are in.
func (p *Publisher) PublishRequestsBatch(ctx context.Context, orgID string, envs []*models.Envelope) ([]ItemOutcome, error) {
	outcomes := make([]ItemOutcome, len(envs))
	deferred := make([]*amqp.DeferredConfirmation, len(envs))

	for i, env := range envs {
		msg, err := p.buildRequestMessage(ctx, env, 0, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			outcomes[i] = ItemOutcome{MessageID: env.MessageID, Err: err}
			continue
		}

		dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
			topology.RequestExchange(orgID), topology.RequestQueue(orgID), false, false, msg)
		if err != nil {
			outcomes[i] = ItemOutcome{MessageID: env.MessageID, Err: fmt.Errorf("publish: %w", err)}
			continue
		}
		deferred[i] = dc
	}

	for i, dc := range deferred {
		if dc == nil {
			continue
		}
		select {
		case <-dc.Done():
			if !dc.Acked() {
				outcomes[i].Err = fmt.Errorf("broker did not ack message %s", envs[i].MessageID)
			}
			outcomes[i].MessageID = envs[i].MessageID
		case <-ctx.Done():
			outcomes[i] = ItemOutcome{MessageID: envs[i].MessageID, Err: ctx.Err()}
		}
	}

	return outcomes, nil
}

// PublishRetry republishes an envelope to the org's retry exchange,
// routed to the delay bucket queue matching retryCount, with a
// per-message expiration of delayMS. The bucket queue's DLX routes
// the message back to the request exchange once that per-message TTL
// elapses; delayMS (computed by retry.Scheduler from the ladder and
// RETRY_JITTER) is what actually realizes the delay, not a fixed
// queue-level TTL, so jitter varies per retry instead of being fixed
// per bucket. retryCount is the pre-increment count used for bucket
// selection; the republished message's x-retry-count header is
// retryCount+1, since this publish is itself the retryCount+1'th
// attempt. firstSeenAt is carried through unchanged across every
// redelivery of the same message_id so x-first-seen-at reflects the
// original delivery, not the most recent retry.
func (p *Publisher) PublishRetry(ctx context.Context, orgID string, env *models.Envelope, retryCount, delayMS int, firstSeenAt string) error {
	bucket := p.topo.BucketForRetryCount(retryCount)
	queue := topology.RetryQueue(orgID, bucket)

	msg, err := p.buildRequestMessage(ctx, env, retryCount+1, firstSeenAt)
	if err != nil {
		return err
	}
	msg.Expiration = strconv.Itoa(delayMS)

	return p.publish(ctx, topology.RetryExchange(orgID), queue, msg, false)
}

// PublishDLQ routes an envelope to the org's dead letter exchange,
// recording the terminal failure reason in the message headers.
func (p *Publisher) PublishDLQ(ctx context.Context, orgID string, env *models.Envelope, reason string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for dlq: %w", err)
	}

	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
	}
	tracing.InjectAMQPHeaders(ctx, asInterfaceMap(headers))

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      headers,
	}

	return p.publish(ctx, topology.DLQExchange(orgID), topology.DLQQueue(orgID), msg, false)
}

// PublishResponse publishes a response payload to the agent's response
// queue.
func (p *Publisher) PublishResponse(ctx context.Context, agentID string, payload *models.ResponsePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal response payload: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	}

	return p.publish(ctx, topology.ResponseExchange(agentID), topology.ResponseQueue(agentID), msg, false)
}

func (p *Publisher) buildRequestMessage(ctx context.Context, env *models.Envelope, retryCount int, firstSeenAt string) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	priority := clampPriority(env.Priority)

	headers := amqp.Table{
		"x-retry-count":   retryCount,
		"x-first-seen-at": firstSeenAt,
	}
	tracing.InjectAMQPHeaders(ctx, asInterfaceMap(headers))

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		Priority:     priority,
		Headers:      headers,
	}, nil
}

// publish issues a single non-deferred publish and, when awaitConfirm
// is set, blocks on the broker's ack before returning.
func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing, awaitConfirm bool) error {
	if !awaitConfirm {
		if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", exchange, err)
		}
		return nil
	}

	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	select {
	case <-dc.Done():
		if !dc.Acked() {
			return fmt.Errorf("broker did not ack publish to %s", exchange)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clampPriority saturates an envelope's priority to AMQP's 0-9
// broker-priority range. Validated envelopes never exceed 9, and every
// caller in this repository validates before publishing; the clamp is
// a defensive floor/ceiling so the uint8 conversion cannot wrap for an
// envelope that reaches a publish path without Validate.
func clampPriority(priority int) uint8 {
	if priority < 0 {
		return 0
	}
	if priority > 9 {
		return 9
	}
	return uint8(priority)
}

// asInterfaceMap adapts an amqp.Table's string-keyed entries to the
// map[string]interface{} shape tracing.InjectAMQPHeaders expects,
// letting the tracing package stay independent of amqp091-go's types.
func asInterfaceMap(t amqp.Table) map[string]interface{} {
	return map[string]interface{}(t)
}
