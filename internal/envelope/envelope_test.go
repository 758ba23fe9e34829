package envelope

import (
	"testing"
	"time"

	"github.com/agentqueue/control-plane/pkg/models"
)

func validEnvelope() *models.Envelope {
	return &models.Envelope{
		MessageID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Version:   "1.0.0",
		OrgID:     "org-a",
		Type:      "agent_message",
		Priority:  2,
		CreatedBy: models.Actor{Type: "agent", ID: "agent-1"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	if err := Validate(validEnvelope()); err != nil {
		t.Errorf("expected valid envelope to pass, got %v", err)
	}
}

func TestValidateRejectsNonUUIDMessageID(t *testing.T) {
	e := validEnvelope()
	e.MessageID = "m1"

	if err := Validate(e); err == nil {
		t.Error("expected non-UUID message_id to fail validation")
	}
}

func TestValidateRejectsNonSemverVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"well formed", "1.0.0", false},
		{"well formed with higher components", "2.14.103", false},
		{"missing patch", "1.0", true},
		{"prerelease suffix", "1.0.0-beta", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEnvelope()
			e.Version = tt.version

			err := Validate(e)
			if tt.wantErr && err == nil {
				t.Errorf("expected version %q to fail validation", tt.version)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected version %q to pass validation, got %v", tt.version, err)
			}
		})
	}
}

func TestValidatePropagatesModelValidation(t *testing.T) {
	e := validEnvelope()
	e.Priority = 10

	if err := Validate(e); err == nil {
		t.Error("expected out-of-range priority to fail validation")
	}
}

func TestDedupKeyDefaultsToMessageID(t *testing.T) {
	e := validEnvelope()

	if got := DedupKey(e); got != e.MessageID {
		t.Errorf("expected dedup key to default to message_id, got %q", got)
	}
}

func TestDedupKeyUsesExplicitValue(t *testing.T) {
	e := validEnvelope()
	e.DedupKeyRaw = "goal-42-step-3"

	if got := DedupKey(e); got != "goal-42-step-3" {
		t.Errorf("expected explicit dedup key, got %q", got)
	}
}

func TestNormalizeFillsMessageIDAndVersion(t *testing.T) {
	e := &models.Envelope{
		OrgID:     "org-a",
		Type:      "agent_message",
		Priority:  2,
		CreatedBy: models.Actor{Type: "agent", ID: "agent-1"},
		CreatedAt: time.Now().UTC(),
	}

	Normalize(e)

	if e.MessageID == "" {
		t.Error("expected Normalize to fill in message_id")
	}
	if e.Version != "1.0.0" {
		t.Errorf("expected Normalize to default version to 1.0.0, got %q", e.Version)
	}
}

func TestNormalizeLeavesExistingFieldsAlone(t *testing.T) {
	e := validEnvelope()
	original := e.MessageID

	Normalize(e)

	if e.MessageID != original {
		t.Errorf("expected Normalize to leave an existing message_id alone, got %q", e.MessageID)
	}
}

func TestValidateAndNormalizeWrapsFailure(t *testing.T) {
	e := &models.Envelope{}

	if err := ValidateAndNormalize(e); err == nil {
		t.Error("expected empty envelope to fail ValidateAndNormalize")
	}
}

func TestValidateAndNormalizeSucceedsAfterFilling(t *testing.T) {
	e := &models.Envelope{
		OrgID:     "org-a",
		Type:      "agent_message",
		Priority:  2,
		CreatedBy: models.Actor{Type: "agent", ID: "agent-1"},
		CreatedAt: time.Now().UTC(),
	}

	if err := ValidateAndNormalize(e); err != nil {
		t.Errorf("expected ValidateAndNormalize to succeed once message_id/version are filled, got %v", err)
	}
}
