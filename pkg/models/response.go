package models

import "time"

// ResponseKind names one of the six payload shapes the Response
// Streamer emits to an agent's response queue.
type ResponseKind string

const (
	ResponseAck             ResponseKind = "acknowledgment"
	ResponseProgress        ResponseKind = "progress"
	ResponseStreamChunk     ResponseKind = "stream_chunk"
	ResponseStreamComplete  ResponseKind = "stream_complete"
	ResponseResult          ResponseKind = "result"
	ResponseError           ResponseKind = "error"
)

// ResponsePayload is the envelope-agnostic union of the six response
// shapes in spec.md §4.9. Only the fields relevant to Type are
// populated; the others are left at their zero value, matching the
// original Python builders which never set the unused keys at all
// (omitempty keeps them out of the marshalled JSON too).
type ResponsePayload struct {
	RequestID   *string                `json:"request_id"`
	Type        ResponseKind           `json:"type"`
	Timestamp   string                 `json:"timestamp"`
	Progress    int                    `json:"progress,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Chunk       string                 `json:"chunk,omitempty"`
	ChunkIndex  int                    `json:"chunk_index,omitempty"`
	TotalChunks int                    `json:"total_chunks,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *ResponseErrorDetail   `json:"error,omitempty"`
}

// ResponseErrorDetail is the {type, message} pair carried by an error
// response payload.
type ResponseErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NowRFC3339 is a small helper kept alongside the response models so
// callers constructing a synthetic origin (e.g. an error with no
// originating envelope) don't each re-derive the format string.
func NowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
