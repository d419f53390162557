// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package storage

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// BreakerSink wraps a sink's Insert in a circuit breaker so that a down
// database fails flushes fast instead of holding each one for a full
// timeout. The periodic flush stays the retry driver: an open breaker
// rejects immediately, the timer tries again, and a half-open probe closes
// the circuit once the sink recovers. At-least-once semantics are untouched
// because a rejected insert leaves the batch in the processing list.
//
// FindExistingIDs passes through unwrapped: reconciliation after a failure
// must be allowed to reach the sink even while inserts are being rejected.
type BreakerSink struct {
	inner interface {
		Insert(ctx context.Context, events []*models.EventRecord) error
		FindExistingIDs(ctx context.Context, ids []string) ([]string, error)
	}
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSink wraps inner. The breaker opens after five consecutive
// failures and probes again after 30 seconds.
func NewBreakerSink(inner *DB) *BreakerSink {
	settings := gobreaker.Settings{
		Name:    "storage-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("storage sink breaker state changed")
		},
	}
	return &BreakerSink{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// Insert persists a batch through the breaker.
func (s *BreakerSink) Insert(ctx context.Context, events []*models.EventRecord) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.inner.Insert(ctx, events)
	})
	return err
}

// FindExistingIDs delegates to the wrapped sink.
func (s *BreakerSink) FindExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	return s.inner.FindExistingIDs(ctx, ids)
}
