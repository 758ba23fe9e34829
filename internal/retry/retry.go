// Package retry implements the Retry Scheduler: the pure delay-ladder
// lookup and the publish step that republishes a failed envelope to
// its org's retry exchange.
package retry

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/agentqueue/control-plane/internal/broker"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/pkg/models"
)

// NextDelayMS returns the delay, in milliseconds, before retryCount's
// redelivery. retryCount is zero-based: the first retry has
// retryCount == 0. An out-of-range retryCount saturates to the last
// entry in delays rather than erroring, matching the original
// implementation's behavior. jitter in (0,1] widens the delay to a
// uniform draw in base*[1-jitter, 1+jitter]; jitter <= 0 disables it.
func NextDelayMS(retryCount int, delays []int, jitter float64) int {
	idx := retryCount
	if idx < 0 {
		idx = 0
	}
	if idx > len(delays)-1 {
		idx = len(delays) - 1
	}
	base := delays[idx]

	if jitter <= 0 {
		return base
	}

	delta := float64(base) * jitter
	low := float64(base) - delta
	high := float64(base) + delta
	return int(low + rand.Float64()*(high-low))
}

// Scheduler republishes envelopes to the delay ladder via a
// broker.Publisher. MaxRetries bounds how many times a message is
// retried before the caller should route it to the DLQ instead.
// jitterFrac is applied to the ladder's base delay the same way
// NextDelayMS applies it everywhere else (RETRY_JITTER, see
// internal/config).
type Scheduler struct {
	publisher  *broker.Publisher
	topo       *topology.Manager
	maxRetries int
	jitterFrac float64
}

// New returns a Scheduler that stops retrying once retryCount reaches
// maxRetries. topo supplies the delay ladder used to compute each
// retry's jittered delay.
func New(publisher *broker.Publisher, topo *topology.Manager, maxRetries int, jitterFrac float64) *Scheduler {
	return &Scheduler{publisher: publisher, topo: topo, maxRetries: maxRetries, jitterFrac: jitterFrac}
}

// MaxRetries is the configured retry ceiling.
func (s *Scheduler) MaxRetries() int {
	return s.maxRetries
}

// ShouldRetry reports whether retryCount is still within the retry
// budget. The Consumer checks this before calling ScheduleRetry;
// exceeding it means the caller should route to the DLQ instead.
func (s *Scheduler) ShouldRetry(retryCount int) bool {
	return retryCount < s.maxRetries
}

// ScheduleRetry publishes env to its org's retry exchange, bucketed by
// retryCount, so the bucket queue's DLX redelivers it to the request
// queue after a jittered delay computed from the ladder bucket
// retryCount selects. retryCount is the number of retries already
// attempted (zero on the first failure, matching NextDelayMS's
// zero-based convention); the republished message's x-retry-count
// header is retryCount+1, recorded by PublishRetry. firstSeenAt is
// carried through from the original delivery's x-first-seen-at header
// so it survives every redelivery unchanged.
func (s *Scheduler) ScheduleRetry(ctx context.Context, orgID string, env *models.Envelope, retryCount int, firstSeenAt string) error {
	delayMS := NextDelayMS(retryCount, s.topo.DelayLadder(), s.jitterFrac)
	if err := s.publisher.PublishRetry(ctx, orgID, env, retryCount, delayMS, firstSeenAt); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}
