package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/pkg/models"
)

// fakeWriter is a writer that records every batch it receives instead
// of hitting Postgres, mirroring how the original implementation's
// tests monkeypatch _write_batch to assert on flush triggers.
type fakeWriter struct {
	mu             sync.Mutex
	messageBatches [][]*models.MessageRecord
	eventBatches   [][]*models.MessageEventRecord
	dlqBatches     [][]*models.DLQMessageRecord
}

func (f *fakeWriter) UpsertMessages(_ context.Context, records []*models.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageBatches = append(f.messageBatches, records)
	return nil
}

func (f *fakeWriter) InsertMessageEvents(_ context.Context, records []*models.MessageEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventBatches = append(f.eventBatches, records)
	return nil
}

func (f *fakeWriter) InsertDLQMessages(_ context.Context, records []*models.DLQMessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlqBatches = append(f.dlqBatches, records)
	return nil
}

func (f *fakeWriter) eventBatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.eventBatches)
}

func (f *fakeWriter) totalEventsWritten() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, batch := range f.eventBatches {
		total += len(batch)
	}
	return total
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l
}

func eventRecord(i int) *models.AuditEvent {
	return &models.AuditEvent{
		Event: &models.MessageEventRecord{
			MessageID: "m1",
			OrgID:     "org-a",
			EventType: "created",
			Details:   map[string]interface{}{"i": i},
			Timestamp: time.Now().UTC(),
		},
	}
}

func TestEnqueueIncrementsQueueDepth(t *testing.T) {
	b := New(nil, testLogger(t), config.AuditConfig{QueueMax: 10, BatchSize: 1000, FlushIntervalMS: 10000})

	b.Enqueue(eventRecord(1))
	b.Enqueue(eventRecord(2))

	if got := b.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth() = %d, want 2", got)
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	b := New(nil, testLogger(t), config.AuditConfig{QueueMax: 2, BatchSize: 1000, FlushIntervalMS: 10000})

	b.Enqueue(eventRecord(1))
	b.Enqueue(eventRecord(2))
	b.Enqueue(eventRecord(3))

	if got := b.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth() = %d, want 2 (bounded by queueMax)", got)
	}
}

func TestBufferSizeAndAdd(t *testing.T) {
	buf := &buffer{}

	if buf.size() != 0 {
		t.Errorf("expected empty buffer to have size 0, got %d", buf.size())
	}

	buf.add(eventRecord(1))
	buf.add(&models.AuditEvent{Message: &models.MessageRecord{MessageID: "m1"}})
	buf.add(&models.AuditEvent{DLQ: &models.DLQMessageRecord{OrgID: "org-a"}})

	if got := buf.size(); got != 3 {
		t.Errorf("buffer.size() = %d, want 3", got)
	}

	buf.reset()
	if buf.size() != 0 {
		t.Errorf("expected buffer.reset() to clear the buffer, got size %d", buf.size())
	}
}

func TestBufferTracksOldestOnFirstAdd(t *testing.T) {
	buf := &buffer{}
	first := eventRecord(1)
	first.EnqueuedAt = time.Now().Add(-time.Hour)

	buf.add(first)
	buf.add(eventRecord(2))

	if !buf.oldest.Equal(first.EnqueuedAt) {
		t.Errorf("expected buffer.oldest to stick to the first add's timestamp")
	}
}

// waitFor polls cond until it's true or the deadline passes, failing
// the test on timeout. Used instead of a fixed sleep since the drain
// loop's flush-check interval is itself derived from config.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestBatcherFlushesOnSize mirrors the original batcher's size-triggered
// flush test: once the buffer reaches BatchSize, the drain loop flushes
// without waiting for the interval ticker.
func TestBatcherFlushesOnSize(t *testing.T) {
	fw := &fakeWriter{}
	b := New(fw, testLogger(t), config.AuditConfig{QueueMax: 10, BatchSize: 2, FlushIntervalMS: 10000})
	b.Start(context.Background())
	defer b.Shutdown()

	b.Enqueue(eventRecord(1))
	b.Enqueue(eventRecord(2))

	waitFor(t, time.Second, func() bool { return fw.eventBatchCount() >= 1 })

	if got := fw.totalEventsWritten(); got != 2 {
		t.Errorf("totalEventsWritten() = %d, want 2", got)
	}
	if got := b.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth() after size flush = %d, want 0", got)
	}
}

// TestBatcherFlushesOnInterval mirrors the original batcher's
// interval-triggered flush test: a buffer below BatchSize still
// flushes once FlushInterval has elapsed since its oldest event.
func TestBatcherFlushesOnInterval(t *testing.T) {
	fw := &fakeWriter{}
	b := New(fw, testLogger(t), config.AuditConfig{QueueMax: 10, BatchSize: 1000, FlushIntervalMS: 20})
	b.Start(context.Background())
	defer b.Shutdown()

	b.Enqueue(eventRecord(1))

	waitFor(t, time.Second, func() bool { return fw.eventBatchCount() >= 1 })

	if got := fw.totalEventsWritten(); got != 1 {
		t.Errorf("totalEventsWritten() = %d, want 1", got)
	}
}

// TestBatcherFlushesOnShutdown asserts that Shutdown drains and flushes
// whatever is still buffered rather than dropping it, even when
// neither the size nor interval trigger has fired yet.
func TestBatcherFlushesOnShutdown(t *testing.T) {
	fw := &fakeWriter{}
	b := New(fw, testLogger(t), config.AuditConfig{QueueMax: 10, BatchSize: 1000, FlushIntervalMS: 10000})
	b.Start(context.Background())

	b.Enqueue(eventRecord(1))
	b.Enqueue(eventRecord(2))
	b.Shutdown()

	if got := fw.totalEventsWritten(); got != 2 {
		t.Errorf("totalEventsWritten() after Shutdown = %d, want 2", got)
	}
	if got := fw.eventBatchCount(); got != 1 {
		t.Errorf("eventBatchCount() after Shutdown = %d, want 1 (single drain-and-flush)", got)
	}
}

func TestFlushReturnsImmediatelyAfterShutdown(t *testing.T) {
	b := New(nil, testLogger(t), config.AuditConfig{QueueMax: 10, BatchSize: 1000, FlushIntervalMS: 10000})

	b.Start(context.Background())
	b.Shutdown()

	done := make(chan struct{})
	go func() {
		b.Flush()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Flush() did not return after Shutdown()")
	}
}
