// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package queue implements the durable batch queue between event producers
// and the storage sink: at-least-once delivery, bounded batches, and
// automatic recovery from an unclean shutdown.
//
// Two lists live in the external list store. "queue" holds events no flush
// has claimed yet; "processing" holds events claimed by an in-flight flush
// that are not yet confirmed persisted. A process that dies mid-flush leaves
// its batch in "processing", and the next start finds and retries it. After
// a failed insert the queue asks the sink which of the batch's ids already
// exist and drops exactly those, so a partially committed batch is never
// re-inserted in full and never silently loses the uncommitted remainder.
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamlog-dev/streamlog/internal/liststore"
	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/metrics"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// Sink is the storage collaborator the queue flushes into.
type Sink interface {
	// Insert persists a batch. It is expected to be chunked/transactional
	// internally: a chunk either fully commits or fails.
	Insert(ctx context.Context, events []*models.EventRecord) error

	// FindExistingIDs reports which of ids are already persisted. Used only
	// for post-failure reconciliation.
	FindExistingIDs(ctx context.Context, ids []string) ([]string, error)
}

// StatsRecorder receives successfully persisted batches as a post-insert
// side effect. Implementations must not fail the flush; errors are their own
// to log.
type StatsRecorder interface {
	RecordBatch(ctx context.Context, events []*models.EventRecord)
}

// Config holds queue tuning.
type Config struct {
	QueueList      string        `koanf:"queue_list"`
	ProcessingList string        `koanf:"processing_list"`
	BatchSize      int           `koanf:"batch_size"`
	FlushInterval  time.Duration `koanf:"flush_interval"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueList:      "queue",
		ProcessingList: "processing",
		BatchSize:      25,
		FlushInterval:  10 * time.Second,
	}
}

// Queue is the durable batch queue. Construct with New, call
// RestoreProcessing once at startup, then run Serve under the supervisor for
// the periodic flush.
type Queue struct {
	store liststore.Store
	sink  Sink
	stats StatsRecorder // may be nil
	cfg   Config
	log   zerolog.Logger

	// In-process mirrors of the two list lengths. They avoid a store
	// round-trip on the enqueue hot path; the store remains authoritative
	// and the mirrors are reloaded by RestoreProcessing.
	queueLen      atomic.Int64
	processingLen atomic.Int64

	// flushing is the single-flight guard. The eager trigger and the timer
	// can both attempt a flush while a previous one is still waiting on the
	// sink; a concurrent attempt is a no-op, not queued.
	flushing atomic.Bool
}

// New builds a queue over store and sink. stats may be nil.
func New(store liststore.Store, sink Sink, stats StatsRecorder, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.QueueList == "" {
		cfg.QueueList = def.QueueList
	}
	if cfg.ProcessingList == "" {
		cfg.ProcessingList = def.ProcessingList
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Queue{
		store: store,
		sink:  sink,
		stats: stats,
		cfg:   cfg,
		log:   logging.With().Str("component", "queue").Logger(),
	}
}

// Enqueue appends the event to the pending list and eagerly flushes once a
// full batch has accumulated. The returned error covers local append
// failures only: sink trouble is retried by the flush timer and never
// surfaced to the producer.
func (q *Queue) Enqueue(ctx context.Context, event *models.EventRecord) error {
	raw, err := event.Encode()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", event.ID, err)
	}
	if err := q.store.Append(ctx, q.cfg.QueueList, raw); err != nil {
		return fmt.Errorf("enqueue %s: %w", event.ID, err)
	}
	depth := q.queueLen.Add(1)
	metrics.EventsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(depth))

	if depth >= int64(q.cfg.BatchSize) {
		if err := q.Flush(ctx); err != nil {
			q.log.Warn().Err(err).Msg("eager flush failed, timer will retry")
		}
	}
	return nil
}

// RestoreProcessing loads both list lengths from the store and, if either
// list is non-empty, flushes immediately. A non-empty list at startup means
// a previous process died mid-flight; run this once before accepting events.
func (q *Queue) RestoreProcessing(ctx context.Context) error {
	pending, err := q.store.Len(ctx, q.cfg.QueueList)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	inflight, err := q.store.Len(ctx, q.cfg.ProcessingList)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	q.queueLen.Store(pending)
	q.processingLen.Store(inflight)
	metrics.QueueDepth.Set(float64(pending))
	metrics.ProcessingDepth.Set(float64(inflight))

	if pending > 0 || inflight > 0 {
		q.log.Info().
			Int64("pending", pending).
			Int64("in_flight", inflight).
			Msg("recovering events left by a previous run")
		if err := q.Flush(ctx); err != nil {
			// Recovery is complete once the lists are accounted for; the
			// flush itself keeps retrying on the timer.
			q.log.Warn().Err(err).Msg("recovery flush failed, timer will retry")
		}
	}
	return nil
}

// Flush drains one batch to the sink. Single-flight: a call made while
// another flush is in progress returns immediately without doing anything.
func (q *Queue) Flush(ctx context.Context) error {
	if !q.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.flushing.Store(false)

	start := time.Now()
	batch, raws, err := q.prepareBatch(ctx)
	if err != nil {
		metrics.FlushesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("flush: %w", err)
	}
	if len(batch) == 0 {
		metrics.FlushesTotal.WithLabelValues("empty").Inc()
		return nil
	}

	if err := q.sink.Insert(ctx, batch); err != nil {
		q.log.Error().Err(err).Int("batch", len(batch)).Msg("sink insert failed")
		q.reconcile(ctx, raws, batch)
		metrics.FlushesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("flush: %w", err)
	}

	if err := q.store.Clear(ctx, q.cfg.ProcessingList); err != nil {
		// The batch is durable; a failed clear only means the next flush
		// re-runs reconciliation against ids the sink now reports existing.
		q.log.Error().Err(err).Msg("failed to clear processing list after insert")
	} else {
		q.processingLen.Store(0)
		metrics.ProcessingDepth.Set(0)
	}

	metrics.EventsPersisted.Add(float64(len(batch)))
	metrics.FlushesTotal.WithLabelValues("success").Inc()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	q.log.Debug().Int("batch", len(batch)).Dur("took", time.Since(start)).Msg("flushed batch")

	if q.stats != nil {
		q.stats.RecordBatch(ctx, batch)
	}
	return nil
}

// prepareBatch returns the next batch along with its raw serialized forms.
// Unconfirmed work in the processing list is always reused before any new
// claim; otherwise up to BatchSize events move queue -> processing in one
// atomic store operation.
func (q *Queue) prepareBatch(ctx context.Context) ([]*models.EventRecord, [][]byte, error) {
	var raws [][]byte
	if q.processingLen.Load() > 0 {
		snapshot, err := q.store.Snapshot(ctx, q.cfg.ProcessingList)
		if err != nil {
			return nil, nil, err
		}
		raws = snapshot
	} else {
		moved, err := q.store.MoveTail(ctx, q.cfg.QueueList, q.cfg.ProcessingList, q.cfg.BatchSize)
		if err != nil {
			return nil, nil, err
		}
		raws = moved
		depth := q.queueLen.Add(-int64(len(moved)))
		q.processingLen.Add(int64(len(moved)))
		metrics.QueueDepth.Set(float64(depth))
		metrics.ProcessingDepth.Set(float64(q.processingLen.Load()))
	}

	batch := make([]*models.EventRecord, 0, len(raws))
	for _, raw := range raws {
		event, err := models.DecodeEventRecord(raw)
		if err != nil {
			// An undecodable item cannot be inserted or matched by id; it
			// blocks its batch until removed by hand. Known limitation,
			// kept deliberately over silently dropping data.
			return nil, nil, fmt.Errorf("corrupt queue item: %w", err)
		}
		batch = append(batch, event)
	}
	return batch, raws, nil
}

// reconcile removes from the processing list exactly those events the sink
// already holds, covering an insert that partially committed before failing.
// The remainder stays for the next flush attempt.
func (q *Queue) reconcile(ctx context.Context, raws [][]byte, batch []*models.EventRecord) {
	ids := make([]string, len(batch))
	for i, event := range batch {
		ids[i] = event.ID
	}

	existing, err := q.sink.FindExistingIDs(ctx, ids)
	if err != nil {
		q.log.Warn().Err(err).Msg("existence check failed, keeping full batch for retry")
		return
	}
	if len(existing) == 0 {
		return
	}

	persisted := make(map[string]bool, len(existing))
	for _, id := range existing {
		persisted[id] = true
	}

	removed, err := q.store.RemoveWhere(ctx, q.cfg.ProcessingList, func(raw []byte) bool {
		id, err := models.EventID(raw)
		if err != nil {
			return false
		}
		return persisted[id]
	})
	if err != nil {
		q.log.Error().Err(err).Msg("failed to remove persisted events from processing list")
		return
	}

	inflight := q.processingLen.Add(-int64(removed))
	metrics.ProcessingDepth.Set(float64(inflight))
	metrics.ReconciledDuplicates.Add(float64(removed))
	q.log.Info().
		Int("already_persisted", removed).
		Int64("remaining", inflight).
		Msg("dropped already-persisted events after partial insert")
}

// Serve runs the periodic flush until ctx is canceled. It satisfies
// suture.Service; the timer fires unconditionally so sub-batch backlogs are
// never stuck waiting for a size trigger.
func (q *Queue) Serve(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				q.log.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Depths reports the in-process mirrors of the two list lengths.
func (q *Queue) Depths() (pending, inflight int64) {
	return q.queueLen.Load(), q.processingLen.Load()
}

func (q *Queue) String() string { return "durable-batch-queue" }
