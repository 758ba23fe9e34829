// Package audit implements the Audit Batcher: a bounded in-memory
// queue drained by a single background goroutine that writes batches
// to the messages, message_events, and dlq_messages tables. Audit
// loss must never stall the data plane, so writes retry with
// exponential backoff and are dropped (with a metric) rather than
// blocking the Consumer on a degraded database.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/internal/metrics"
	"github.com/agentqueue/control-plane/pkg/models"
)

// writer is the subset of database.Repository the Batcher needs to
// flush a buffer. Extracted so tests can drive the flush-trigger logic
// (size, interval, shutdown) against a fake writer instead of a live
// Postgres-backed repository.
type writer interface {
	UpsertMessages(ctx context.Context, records []*models.MessageRecord) error
	InsertMessageEvents(ctx context.Context, records []*models.MessageEventRecord) error
	InsertDLQMessages(ctx context.Context, records []*models.DLQMessageRecord) error
}

// Batcher buffers audit events and flushes them to the repository in
// batches, one insert per destination table per flush.
type Batcher struct {
	repo  writer
	log   *logging.Logger
	cfg   config.AuditConfig
	queue chan *models.AuditEvent
	flush chan chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// New returns a Batcher. Call Start to begin draining the queue, and
// Shutdown to flush and stop it.
func New(repo writer, log *logging.Logger, cfg config.AuditConfig) *Batcher {
	return &Batcher{
		repo:  repo,
		log:   log,
		cfg:   cfg,
		queue: make(chan *models.AuditEvent, cfg.QueueMax),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
}

// Enqueue accepts an audit event into the bounded queue. If the queue
// is full, the oldest buffered event is dropped (and counted) to make
// room for the new one, since audit loss is preferable to backpressure
// on the data plane.
func (b *Batcher) Enqueue(ev *models.AuditEvent) {
	ev.EnqueuedAt = time.Now()

	select {
	case b.queue <- ev:
		metrics.AuditEventsEnqueuedTotal.Inc()
		return
	default:
	}

	select {
	case <-b.queue:
		metrics.AuditQueueDroppedTotal.Inc()
	default:
	}

	select {
	case b.queue <- ev:
		metrics.AuditEventsEnqueuedTotal.Inc()
	default:
		metrics.AuditQueueDroppedTotal.Inc()
	}
}

// Flush blocks until the buffer currently held by the drain loop has
// been written, draining anything already enqueued at call time.
func (b *Batcher) Flush() {
	ack := make(chan struct{})
	select {
	case b.flush <- ack:
		<-ack
	case <-b.done:
	}
}

// Start launches the background drain loop.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Shutdown flushes any buffered events and stops the drain loop.
func (b *Batcher) Shutdown() {
	close(b.done)
	b.wg.Wait()
}

type buffer struct {
	messages []*models.MessageRecord
	events   []*models.MessageEventRecord
	dlq      []*models.DLQMessageRecord
	oldest   time.Time
}

func (buf *buffer) size() int {
	return len(buf.messages) + len(buf.events) + len(buf.dlq)
}

func (buf *buffer) add(ev *models.AuditEvent) {
	if buf.size() == 0 {
		buf.oldest = ev.EnqueuedAt
	}
	if ev.Message != nil {
		buf.messages = append(buf.messages, ev.Message)
	}
	if ev.Event != nil {
		buf.events = append(buf.events, ev.Event)
	}
	if ev.DLQ != nil {
		buf.dlq = append(buf.dlq, ev.DLQ)
	}
}

func (buf *buffer) reset() {
	buf.messages = nil
	buf.events = nil
	buf.dlq = nil
	buf.oldest = time.Time{}
}

func (b *Batcher) run(ctx context.Context) {
	defer b.wg.Done()

	buf := &buffer{}
	ticker := time.NewTicker(b.flushCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case ev := <-b.queue:
			buf.add(ev)
			if buf.size() >= b.cfg.BatchSize {
				b.flushBuffer(ctx, buf)
			}

		case ack := <-b.flush:
			b.drainQueue(buf)
			b.flushBuffer(ctx, buf)
			close(ack)

		case <-ticker.C:
			if buf.size() > 0 && time.Since(buf.oldest) >= b.cfg.FlushInterval() {
				b.flushBuffer(ctx, buf)
			}

		case <-b.done:
			b.drainQueue(buf)
			b.flushBuffer(ctx, buf)
			return
		}
	}
}

// drainQueue pulls any events already sitting in the channel into buf
// without blocking, used before an explicit or shutdown flush so
// recently enqueued events aren't left behind for the next flush.
func (b *Batcher) drainQueue(buf *buffer) {
	for {
		select {
		case ev := <-b.queue:
			buf.add(ev)
		default:
			return
		}
	}
}

func (b *Batcher) flushCheckInterval() time.Duration {
	interval := b.cfg.FlushInterval() / 4
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return interval
}

func (b *Batcher) flushBuffer(ctx context.Context, buf *buffer) {
	if buf.size() == 0 {
		return
	}

	start := time.Now()

	if len(buf.messages) > 0 {
		b.writeWithBackoff(ctx, "messages", len(buf.messages), func() error {
			return b.repo.UpsertMessages(ctx, buf.messages)
		})
	}
	if len(buf.events) > 0 {
		b.writeWithBackoff(ctx, "message_events", len(buf.events), func() error {
			return b.repo.InsertMessageEvents(ctx, buf.events)
		})
	}
	if len(buf.dlq) > 0 {
		b.writeWithBackoff(ctx, "dlq_messages", len(buf.dlq), func() error {
			return b.repo.InsertDLQMessages(ctx, buf.dlq)
		})
	}

	b.log.LogAuditFlush("batch", buf.size(), time.Since(start), nil)
	buf.reset()
}

// writeWithBackoff retries a single destination table's write with
// exponential backoff (config base, doubling, capped): one initial
// attempt plus up to MaxWriteRetries retries. On exhaustion, the batch is dropped and
// audit_write_failed is incremented rather than blocking the drain
// loop indefinitely.
func (b *Batcher) writeWithBackoff(ctx context.Context, table string, count int, write func() error) {
	delay := b.cfg.BackoffBase()
	backoffCap := b.cfg.BackoffCap()

	var err error
	for attempt := 0; attempt <= b.cfg.MaxWriteRetries; attempt++ {
		if err = write(); err == nil {
			metrics.AuditBatchSize.WithLabelValues(table).Observe(float64(count))
			return
		}

		b.log.LogAuditFlush(table, count, 0, err)

		if attempt == b.cfg.MaxWriteRetries {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metrics.AuditWriteFailedTotal.WithLabelValues(table).Inc()
			return
		}

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}

	metrics.AuditWriteFailedTotal.WithLabelValues(table).Inc()
}

// QueueDepth reports the number of events currently buffered in the
// channel, for the agentqueue_audit_queue_depth gauge.
func (b *Batcher) QueueDepth() int {
	return len(b.queue)
}
