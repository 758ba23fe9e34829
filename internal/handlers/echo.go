// Package handlers holds the reference Handler implementations
// registered by cmd/worker: a minimal capability used to exercise the
// full Consumer / Worker Harness pipeline (load-test, manual smoke
// checks) in the absence of a deployed agent-specific capability.
package handlers

import (
	"context"

	"github.com/agentqueue/control-plane/internal/consumer"
	"github.com/agentqueue/control-plane/pkg/models"
)

// Echo completes immediately, returning the envelope's payload
// unchanged as the result. It registers under the "agent_message"
// type, matching the message shape used throughout spec scenarios
// and load-test traffic.
type Echo struct{}

// Handle always succeeds, echoing env.Payload back as the result.
func (Echo) Handle(_ context.Context, env *models.Envelope) consumer.Decision {
	return consumer.Decision{Kind: consumer.Success, Result: env.Payload}
}
