// Package response builds the six response payload shapes emitted to
// an agent's response queue and publishes them in order. request_id
// and timestamp are always derived from the originating envelope
// (message_id and created_at), except for error payloads, which are
// allowed to stand alone with a nil request_id.
package response

import (
	"context"
	"fmt"
	"time"

	"github.com/agentqueue/control-plane/internal/broker"
	"github.com/agentqueue/control-plane/pkg/models"
)

// BuildAcknowledgment builds the {request_id, type, timestamp} shape
// emitted when the Consumer has durably accepted a message.
func BuildAcknowledgment(orig *models.Envelope) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID: requestID(orig),
		Type:      models.ResponseAck,
		Timestamp: timestamp(orig),
	}
}

// BuildProgress builds the progress payload shape.
func BuildProgress(orig *models.Envelope, progress int, status string) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID: requestID(orig),
		Type:      models.ResponseProgress,
		Progress:  progress,
		Status:    status,
		Timestamp: timestamp(orig),
	}
}

// BuildStreamChunk builds a single stream_chunk payload. Chunks for a
// given request_id must be published in order on the same Publisher
// channel so broker FIFO-within-routing-key delivers them in sequence.
func BuildStreamChunk(orig *models.Envelope, chunk string, chunkIndex int) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID:  requestID(orig),
		Type:       models.ResponseStreamChunk,
		Chunk:      chunk,
		ChunkIndex: chunkIndex,
		Timestamp:  timestamp(orig),
	}
}

// BuildStreamComplete builds the terminal marker for a stream_chunk
// sequence.
func BuildStreamComplete(orig *models.Envelope, totalChunks int) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID:   requestID(orig),
		Type:        models.ResponseStreamComplete,
		TotalChunks: totalChunks,
		Timestamp:   timestamp(orig),
	}
}

// BuildResult builds the result payload emitted on handler success.
func BuildResult(orig *models.Envelope, result map[string]interface{}) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID: requestID(orig),
		Type:      models.ResponseResult,
		Result:    result,
		Timestamp: timestamp(orig),
	}
}

// BuildError builds the error payload. orig may be nil, in which case
// request_id is null in the marshalled payload (a null pointer, not an
// empty string) so an error without an originating envelope can still
// be emitted.
func BuildError(orig *models.Envelope, errType, message string) *models.ResponsePayload {
	return &models.ResponsePayload{
		RequestID: requestID(orig),
		Type:      models.ResponseError,
		Error:     &models.ResponseErrorDetail{Type: errType, Message: message},
		Timestamp: timestampOrNow(orig),
	}
}

func requestID(orig *models.Envelope) *string {
	if orig == nil {
		return nil
	}
	id := orig.MessageID
	return &id
}

func timestamp(orig *models.Envelope) string {
	if orig == nil {
		return ""
	}
	return models.NowRFC3339(orig.CreatedAt)
}

func timestampOrNow(orig *models.Envelope) string {
	if orig == nil {
		return models.NowRFC3339(time.Now().UTC())
	}
	return models.NowRFC3339(orig.CreatedAt)
}

// Streamer publishes response payloads to an agent's response queue,
// one message_id's chunks at a time, preserving publish order.
type Streamer struct {
	publisher *broker.Publisher
}

// New returns a Streamer backed by publisher.
func New(publisher *broker.Publisher) *Streamer {
	return &Streamer{publisher: publisher}
}

// Send publishes a single response payload to agentID's response
// queue.
func (s *Streamer) Send(ctx context.Context, agentID string, payload *models.ResponsePayload) error {
	if err := s.publisher.PublishResponse(ctx, agentID, payload); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return nil
}

// SendChunks publishes a sequence of stream_chunk payloads followed by
// a stream_complete payload, in order, on this Streamer's single
// publish path.
func (s *Streamer) SendChunks(ctx context.Context, agentID string, orig *models.Envelope, chunks []string) error {
	for i, chunk := range chunks {
		if err := s.Send(ctx, agentID, BuildStreamChunk(orig, chunk, i)); err != nil {
			return fmt.Errorf("failed to publish chunk %d: %w", i, err)
		}
	}
	return s.Send(ctx, agentID, BuildStreamComplete(orig, len(chunks)))
}
