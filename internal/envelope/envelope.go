// Package envelope validates and normalizes message envelopes before
// they enter the broker. Validation is pure: no network or database
// access, so it is safe to call from both the admin API's ingestion
// handler and the load-test CLI.
package envelope

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/agentqueue/control-plane/pkg/models"
)

// semverPattern accepts the dotted MAJOR.MINOR.PATCH shape the producer
// clients emit (e.g. "1.0.0"); it does not accept pre-release or build
// metadata suffixes, which this system has never needed to distinguish.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Validate checks an envelope against every invariant in the message
// schema: required fields, priority range, created_by completeness,
// RFC3339 UTC timestamp, UUID-shaped message_id, and semver-shaped
// version. It wraps models.Validate's field checks and adds the
// format-level checks the pure model layer doesn't own.
func Validate(e *models.Envelope) error {
	if err := models.Validate(e); err != nil {
		return err
	}

	if _, err := uuid.Parse(e.MessageID); err != nil {
		return &models.ValidationError{Field: "message_id", Reason: "must be a UUID"}
	}

	if !semverPattern.MatchString(e.Version) {
		return &models.ValidationError{Field: "version", Reason: "must be a MAJOR.MINOR.PATCH semver string"}
	}

	return nil
}

// DedupKey returns the logical identity used for idempotency and
// poison detection: the envelope's dedup_key, or its message_id when
// none was supplied.
func DedupKey(e *models.Envelope) string {
	return e.DedupKey()
}

// Normalize fills in the producer-side defaults that are not Validate's
// responsibility: a missing message_id becomes a fresh UUID, a missing
// version becomes the current schema version. Priority is deliberately
// left alone here since 0 is a valid priority and cannot be
// distinguished from "omitted"; callers that accept priority-omitted
// input (the admin API's JSON binding) must apply
// models.DefaultPriority themselves before calling Normalize.
func Normalize(e *models.Envelope) {
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	if e.Version == "" {
		e.Version = "1.0.0"
	}
}

// ValidateAndNormalize runs Normalize followed by Validate, returning
// the first validation failure. Callers that accept envelopes from an
// external source (the admin API, the load-test CLI) should use this;
// internal republish paths that already hold a validated envelope
// should call Validate alone to avoid silently mutating retry state.
func ValidateAndNormalize(e *models.Envelope) error {
	Normalize(e)
	if err := Validate(e); err != nil {
		return fmt.Errorf("envelope validation failed: %w", err)
	}
	return nil
}
