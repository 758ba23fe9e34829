package response

import (
	"testing"
	"time"

	"github.com/agentqueue/control-plane/pkg/models"
)

func testOrigin() *models.Envelope {
	createdAt, _ := time.Parse(time.RFC3339, "2025-01-01T00:00:00Z")
	return &models.Envelope{MessageID: "m1", CreatedAt: createdAt}
}

func TestBuildAcknowledgment(t *testing.T) {
	got := BuildAcknowledgment(testOrigin())

	if got.Type != models.ResponseAck {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseAck)
	}
	if *got.RequestID != "m1" {
		t.Errorf("RequestID = %v, want m1", *got.RequestID)
	}
	if got.Timestamp != "2025-01-01T00:00:00Z" {
		t.Errorf("Timestamp = %v, want 2025-01-01T00:00:00Z", got.Timestamp)
	}
}

func TestBuildProgress(t *testing.T) {
	got := BuildProgress(testOrigin(), 40, "loading")

	if got.Type != models.ResponseProgress {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseProgress)
	}
	if got.Progress != 40 {
		t.Errorf("Progress = %d, want 40", got.Progress)
	}
	if got.Status != "loading" {
		t.Errorf("Status = %q, want loading", got.Status)
	}
}

func TestBuildStreamChunk(t *testing.T) {
	got := BuildStreamChunk(testOrigin(), "Hello", 0)

	if got.Type != models.ResponseStreamChunk {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseStreamChunk)
	}
	if got.Chunk != "Hello" {
		t.Errorf("Chunk = %q, want Hello", got.Chunk)
	}
	if got.ChunkIndex != 0 {
		t.Errorf("ChunkIndex = %d, want 0", got.ChunkIndex)
	}
}

func TestBuildStreamComplete(t *testing.T) {
	got := BuildStreamComplete(testOrigin(), 2)

	if got.Type != models.ResponseStreamComplete {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseStreamComplete)
	}
	if got.TotalChunks != 2 {
		t.Errorf("TotalChunks = %d, want 2", got.TotalChunks)
	}
}

func TestBuildResult(t *testing.T) {
	got := BuildResult(testOrigin(), map[string]interface{}{"ok": true})

	if got.Type != models.ResponseResult {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseResult)
	}
	if got.Result["ok"] != true {
		t.Errorf("Result[ok] = %v, want true", got.Result["ok"])
	}
}

func TestBuildErrorWithOrigin(t *testing.T) {
	got := BuildError(testOrigin(), "RuntimeError", "x")

	if *got.RequestID != "m1" {
		t.Errorf("RequestID = %v, want m1", *got.RequestID)
	}
	if got.Type != models.ResponseError {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseError)
	}
	if got.Error.Type != "RuntimeError" || got.Error.Message != "x" {
		t.Errorf("Error = %+v, want {RuntimeError x}", got.Error)
	}
}

func TestBuildErrorWithoutOrigin(t *testing.T) {
	got := BuildError(nil, "RuntimeError", "oops")

	if got.RequestID != nil {
		t.Errorf("expected nil RequestID for an originless error, got %v", *got.RequestID)
	}
	if got.Type != models.ResponseError {
		t.Errorf("Type = %v, want %v", got.Type, models.ResponseError)
	}
	if got.Error.Type != "RuntimeError" || got.Error.Message != "oops" {
		t.Errorf("Error = %+v, want {RuntimeError oops}", got.Error)
	}
	if got.Timestamp == "" {
		t.Error("expected an originless error to still carry a timestamp")
	}
}
