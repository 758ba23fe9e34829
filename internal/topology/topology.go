// Package topology declares the per-org and per-agent exchange/queue
// layout on the broker: the priority request exchange, the delay-ladder
// retry exchange and its DLX buckets, the dead-letter exchange, and
// each agent's response exchange. A bucket queue carries no fixed
// x-message-ttl of its own; internal/broker.Publisher sets a
// per-message expiration (jittered around the bucket's nominal delay)
// on each retry publish, so the bucket only fixes which bucket a retry
// count lands in, not the exact delay. Declarations are idempotent; a
// mismatched re-declaration against an existing exchange/queue is a
// fatal startup error, which amqp091-go surfaces by closing the channel
// the declare was issued on.
package topology

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/config"
)

// DefaultDelayLadderMS is used when the RetryConfig passed to New has
// an empty delay ladder.
var DefaultDelayLadderMS = []int{1000, 2000, 4000, 8000}

// Manager declares and owns the naming scheme for org and agent
// topology. It holds no connection state of its own; every Declare*
// call operates on the channel it is given so it can be driven by
// either a dedicated setup channel or the publisher's channel.
type Manager struct {
	delaysMS []int
}

// New returns a Manager configured with the retry delay ladder from
// config. An empty ladder falls back to DefaultDelayLadderMS.
func New(cfg config.RetryConfig) *Manager {
	delays := cfg.DelaysMS
	if len(delays) == 0 {
		delays = DefaultDelayLadderMS
	}
	return &Manager{delaysMS: delays}
}

// RequestExchange is the priority exchange an org's producers publish
// to and its consumer subscribes from.
func RequestExchange(orgID string) string { return fmt.Sprintf("org.%s.requests.x", orgID) }

// RequestQueue is the single priority queue bound to RequestExchange.
func RequestQueue(orgID string) string { return fmt.Sprintf("org.%s.requests.q", orgID) }

// RetryExchange fans delayed messages out to their bucket queue by
// routing key.
func RetryExchange(orgID string) string { return fmt.Sprintf("org.%s.retry.x", orgID) }

// RetryQueue names the delay queue for a given ladder bucket index.
func RetryQueue(orgID string, bucket int) string {
	return fmt.Sprintf("org.%s.retry.%d.q", orgID, bucket)
}

// DLQExchange is the terminal exchange for dead-lettered messages.
func DLQExchange(orgID string) string { return fmt.Sprintf("org.%s.dlq.x", orgID) }

// DLQQueue is the unconsumed-by-default dead letter queue.
func DLQQueue(orgID string) string { return fmt.Sprintf("org.%s.dlq.q", orgID) }

// ResponseExchange is the agent's inbound response exchange.
func ResponseExchange(agentID string) string { return fmt.Sprintf("agent.%s.responses.x", agentID) }

// ResponseQueue is the single queue bound to an agent's response
// exchange.
func ResponseQueue(agentID string) string { return fmt.Sprintf("agent.%s.responses.q", agentID) }

// DeclareOrg declares the full org topology: the priority request
// exchange and queue, the retry exchange and one delay queue per ladder
// bucket (each with a dead-letter-exchange back to the request exchange
// and no queue-level TTL), and the DLQ exchange and queue.
func (m *Manager) DeclareOrg(ch *amqp.Channel, orgID string) error {
	if err := ch.ExchangeDeclare(
		RequestExchange(orgID),
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-max-priority": int32(9)},
	); err != nil {
		return fmt.Errorf("declare request exchange for org %s: %w", orgID, err)
	}

	if _, err := ch.QueueDeclare(
		RequestQueue(orgID),
		true, false, false, false,
		amqp.Table{"x-max-priority": int32(9)},
	); err != nil {
		return fmt.Errorf("declare request queue for org %s: %w", orgID, err)
	}

	if err := ch.QueueBind(RequestQueue(orgID), RequestQueue(orgID), RequestExchange(orgID), false, nil); err != nil {
		return fmt.Errorf("bind request queue for org %s: %w", orgID, err)
	}

	if err := ch.ExchangeDeclare(
		RetryExchange(orgID),
		"direct",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare retry exchange for org %s: %w", orgID, err)
	}

	for bucket := range m.delaysMS {
		queueName := RetryQueue(orgID, bucket)
		args := amqp.Table{
			"x-dead-letter-exchange":    RequestExchange(orgID),
			"x-dead-letter-routing-key": RequestQueue(orgID),
		}
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare retry queue %s for org %s: %w", queueName, orgID, err)
		}
		if err := ch.QueueBind(queueName, queueName, RetryExchange(orgID), false, nil); err != nil {
			return fmt.Errorf("bind retry queue %s for org %s: %w", queueName, orgID, err)
		}
	}

	if err := ch.ExchangeDeclare(
		DLQExchange(orgID),
		"direct",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare dlq exchange for org %s: %w", orgID, err)
	}

	if _, err := ch.QueueDeclare(DLQQueue(orgID), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue for org %s: %w", orgID, err)
	}

	if err := ch.QueueBind(DLQQueue(orgID), DLQQueue(orgID), DLQExchange(orgID), false, nil); err != nil {
		return fmt.Errorf("bind dlq queue for org %s: %w", orgID, err)
	}

	return nil
}

// DeclareAgent declares an agent's response exchange and queue.
func (m *Manager) DeclareAgent(ch *amqp.Channel, agentID string) error {
	if err := ch.ExchangeDeclare(
		ResponseExchange(agentID),
		"direct",
		true, false, false, false, nil,
	); err != nil {
		return fmt.Errorf("declare response exchange for agent %s: %w", agentID, err)
	}

	if _, err := ch.QueueDeclare(ResponseQueue(agentID), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare response queue for agent %s: %w", agentID, err)
	}

	if err := ch.QueueBind(ResponseQueue(agentID), ResponseQueue(agentID), ResponseExchange(agentID), false, nil); err != nil {
		return fmt.Errorf("bind response queue for agent %s: %w", agentID, err)
	}

	return nil
}

// BucketForRetryCount maps a retry count onto the ladder's bucket
// index using the same saturating clamp as the retry scheduler, so
// topology and scheduling never disagree about which queue a given
// retry count lands in.
func (m *Manager) BucketForRetryCount(retryCount int) int {
	if retryCount < 0 {
		return 0
	}
	if retryCount >= len(m.delaysMS) {
		return len(m.delaysMS) - 1
	}
	return retryCount
}

// DelayLadder returns the configured delay ladder in milliseconds.
func (m *Manager) DelayLadder() []int {
	return m.delaysMS
}
