package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/idempotency"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/pkg/models"
)

func TestHeaderIntHandlesEveryAMQPIntegerWidth(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
		want  int
	}{
		{"int", int(3), 3},
		{"int8", int8(3), 3},
		{"int16", int16(3), 3},
		{"int32", int32(3), 3},
		{"int64", int64(3), 3},
		{"missing", nil, 0},
		{"wrong type", "3", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := amqp.Table{}
			if tc.value != nil {
				headers["x-retry-count"] = tc.value
			}
			if got := headerInt(headers, "x-retry-count"); got != tc.want {
				t.Errorf("headerInt(%v) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}

func TestHeaderString(t *testing.T) {
	headers := amqp.Table{"x-first-seen-at": "2025-01-01T00:00:00Z"}
	if got := headerString(headers, "x-first-seen-at"); got != "2025-01-01T00:00:00Z" {
		t.Errorf("headerString = %q, want 2025-01-01T00:00:00Z", got)
	}
	if got := headerString(amqp.Table{}, "x-first-seen-at"); got != "" {
		t.Errorf("headerString on missing key = %q, want empty", got)
	}
}

func TestErrString(t *testing.T) {
	if got := errString(nil); got != "" {
		t.Errorf("errString(nil) = %q, want empty", got)
	}
	if got := errString(errors.New("boom")); got != "boom" {
		t.Errorf("errString = %q, want boom", got)
	}
}

func TestDecisionKindZeroValueIsSuccess(t *testing.T) {
	var d Decision
	if d.Kind != Success {
		t.Errorf("zero-value Decision.Kind = %v, want Success", d.Kind)
	}
}

// fakeIdempotency reports Duplicate for every dedup key pre-seeded in
// duplicates, First otherwise.
type fakeIdempotency struct {
	duplicates map[string]bool
}

func (f *fakeIdempotency) MarkAndCheck(_ context.Context, _, dedupKey string) idempotency.Outcome {
	if f.duplicates[dedupKey] {
		return idempotency.Duplicate
	}
	return idempotency.First
}

// fakePoison counts failures in memory and quarantines at threshold,
// mirroring poison.Store's contract without a database.
type fakePoison struct {
	mu         sync.Mutex
	threshold  int
	counts     map[string]int
	resetCalls []string
}

func (f *fakePoison) IncrementFailure(_ context.Context, _, dedupKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[dedupKey]++
	return f.counts[dedupKey]
}

func (f *fakePoison) ShouldQuarantine(count int) bool { return count >= f.threshold }

func (f *fakePoison) Reset(_ context.Context, _, dedupKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, dedupKey)
	return nil
}

// fakeRetry records the retryCount each ScheduleRetry call receives,
// so tests can assert the harness passes the pre-increment count (the
// bucket/delay-selection bug this table would have caught).
type fakeRetry struct {
	mu         sync.Mutex
	maxRetries int
	scheduled  []int
}

func (f *fakeRetry) ShouldRetry(retryCount int) bool { return retryCount < f.maxRetries }

func (f *fakeRetry) ScheduleRetry(_ context.Context, _ string, _ *models.Envelope, retryCount int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, retryCount)
	return nil
}

// fakePublisher records every DLQ publish's reason.
type fakePublisher struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakePublisher) PublishDLQ(_ context.Context, _ string, _ *models.Envelope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

// fakeResponses records every payload sent to an agent.
type fakeResponses struct {
	mu   sync.Mutex
	sent []*models.ResponsePayload
}

func (f *fakeResponses) Send(_ context.Context, _ string, payload *models.ResponsePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

// fakeLimiter always admits, since the decision table isn't exercising
// §4.11's cross-process admission control.
type fakeLimiter struct{}

func (fakeLimiter) AcquireInFlight(context.Context, string) (bool, error) { return true, nil }
func (fakeLimiter) ReleaseInFlight(context.Context, string) error        { return nil }

// fakeAudit records every enqueued event.
type fakeAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (f *fakeAudit) Enqueue(ev *models.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

// fakeHandler returns a fixed Decision for every envelope it handles.
type fakeHandler struct {
	decision Decision
}

func (f fakeHandler) Handle(context.Context, *models.Envelope) Decision { return f.decision }

func testEnvelope(messageID string) *models.Envelope {
	return &models.Envelope{
		MessageID: messageID,
		Version:   "1.0.0",
		OrgID:     "org-a",
		Type:      "agent_message",
		Priority:  5,
		CreatedBy: models.Actor{Type: "user", ID: "u1"},
		CreatedAt: time.Now().UTC(),
	}
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l
}

// harnessFixture bundles a Harness with its fakes so each decision-table
// case can assert against the fake it cares about.
type harnessFixture struct {
	harness   *Harness
	idem      *fakeIdempotency
	poison    *fakePoison
	retry     *fakeRetry
	publisher *fakePublisher
	responses *fakeResponses
	audit     *fakeAudit
}

func newHarnessFixture(t *testing.T, handlers Registry) *harnessFixture {
	f := &harnessFixture{
		idem:      &fakeIdempotency{duplicates: map[string]bool{}},
		poison:    &fakePoison{threshold: 3},
		retry:     &fakeRetry{maxRetries: 2},
		publisher: &fakePublisher{},
		responses: &fakeResponses{},
		audit:     &fakeAudit{},
	}
	f.harness = New(
		nil,
		f.publisher,
		f.idem,
		f.poison,
		f.retry,
		f.audit,
		f.responses,
		fakeLimiter{},
		handlers,
		config.HandlerConfig{DeadlineMS: 1000, ShutdownGraceMS: 1000},
		testLogger(t),
	)
	return f
}

func delivery(t *testing.T, env *models.Envelope, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return amqp.Delivery{Body: body, Headers: headers}
}

// TestHarnessSevenStepDecisionTable exercises the duplicate,
// quarantine, retry, DLQ-exhaustion, and fatal-failure branches of
// handleDelivery against fakes, so the decision table is verified
// without a live broker or Postgres-backed repository.
func TestHarnessSevenStepDecisionTable(t *testing.T) {
	t.Run("duplicate short-circuits without invoking the handler", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Fatal, Err: errors.New("should never run")}},
		})
		env := testEnvelope("11111111-1111-1111-1111-111111111111")
		f.idem.duplicates[env.DedupKey()] = true

		f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{}))

		if got := f.publisher.count(); got != 0 {
			t.Errorf("expected duplicate to skip the handler and never reach the dlq, got %d dlq publishes", got)
		}
	})

	t.Run("first transient failure retries with the pre-increment retry count", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Transient, Err: errors.New("try again")}},
		})
		env := testEnvelope("22222222-2222-2222-2222-222222222222")

		// x-retry-count: 0 means no retries have happened yet (the
		// first failure), matching retry.NextDelayMS's zero-based
		// convention.
		f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{"x-retry-count": int32(0)}))

		if len(f.retry.scheduled) != 1 {
			t.Fatalf("expected exactly one ScheduleRetry call, got %d", len(f.retry.scheduled))
		}
		if got := f.retry.scheduled[0]; got != 0 {
			t.Errorf("ScheduleRetry called with retryCount=%d, want 0 (the pre-increment count, not retryCount+1)", got)
		}
	})

	t.Run("failure count reaching the poison threshold quarantines instead of retrying", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Transient, Err: errors.New("flaky")}},
		})
		env := testEnvelope("33333333-3333-3333-3333-333333333333")

		for i := 0; i < f.poison.threshold; i++ {
			f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{"x-retry-count": int32(0)}))
		}

		if len(f.retry.scheduled) != f.poison.threshold-1 {
			t.Errorf("expected %d retries before quarantine, got %d", f.poison.threshold-1, len(f.retry.scheduled))
		}
		if got := f.publisher.count(); got != 1 {
			t.Fatalf("expected exactly one dlq publish for quarantine, got %d", got)
		}
		if got := f.publisher.reasons[0]; got != "poison_quarantined" {
			t.Errorf("dlq reason = %q, want poison_quarantined", got)
		}
	})

	t.Run("retries exhausted routes to the dlq", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Transient, Err: errors.New("still failing")}},
		})
		f.poison.threshold = 100 // keep poison out of the way for this case
		env := testEnvelope("44444444-4444-4444-4444-444444444444")

		f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{"x-retry-count": int32(f.retry.maxRetries)}))

		if len(f.retry.scheduled) != 0 {
			t.Errorf("expected no retry once ShouldRetry is false, got %d", len(f.retry.scheduled))
		}
		if got := f.publisher.count(); got != 1 {
			t.Fatalf("expected exactly one dlq publish for exhausted retries, got %d", got)
		}
		if got := f.publisher.reasons[0]; got != "still failing" {
			t.Errorf("dlq reason = %q, want the handler's error", got)
		}
	})

	t.Run("fatal failure skips poison and retry entirely", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Fatal, Err: errors.New("unrecoverable")}},
		})
		env := testEnvelope("55555555-5555-5555-5555-555555555555")

		f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{"x-retry-count": int32(0)}))

		if len(f.retry.scheduled) != 0 {
			t.Errorf("expected fatal failures to never consult the retry scheduler, got %d schedule calls", len(f.retry.scheduled))
		}
		if got := f.publisher.count(); got != 1 {
			t.Fatalf("expected exactly one dlq publish for a fatal failure, got %d", got)
		}
	})

	t.Run("success resets the poison counter", func(t *testing.T) {
		f := newHarnessFixture(t, Registry{
			"agent_message": fakeHandler{decision: Decision{Kind: Success, Result: map[string]interface{}{"ok": true}}},
		})
		env := testEnvelope("66666666-6666-6666-6666-666666666666")

		f.harness.handleDelivery(context.Background(), "org-a", delivery(t, env, amqp.Table{}))

		if len(f.poison.resetCalls) != 1 {
			t.Errorf("expected success to reset the poison counter once, got %d", len(f.poison.resetCalls))
		}
		if f.publisher.count() != 0 {
			t.Errorf("expected no dlq publish on success, got %d", f.publisher.count())
		}
	})
}
