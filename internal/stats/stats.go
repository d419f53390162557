// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package stats maintains per-application event counters as a post-insert
// side effect of the durable path. Counts are bucketed by day and log level
// and upserted into the shared DuckDB database.
package stats

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// Recorder accumulates application statistics from persisted batches.
type Recorder struct {
	conn *sql.DB
	log  zerolog.Logger
}

// NewRecorder builds a recorder over the shared storage connection.
func NewRecorder(conn *sql.DB) *Recorder {
	return &Recorder{
		conn: conn,
		log:  logging.With().Str("component", "stats").Logger(),
	}
}

type bucket struct {
	applicationID string
	day           time.Time
	level         models.LogLevel
}

// RecordBatch upserts counters for a batch the sink has confirmed durable.
// Failures are logged, never propagated: statistics must not fail a flush.
func (r *Recorder) RecordBatch(ctx context.Context, events []*models.EventRecord) {
	if len(events) == 0 {
		return
	}

	counts := make(map[bucket]int64)
	for _, e := range events {
		day := time.UnixMilli(e.Timestamp).UTC().Truncate(24 * time.Hour)
		counts[bucket{e.ApplicationID, day, e.LogLevel}]++
	}

	for b, n := range counts {
		_, err := r.conn.ExecContext(ctx, `
			INSERT INTO application_stats (application_id, day, log_level, events)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (application_id, day, log_level)
			DO UPDATE SET events = application_stats.events + EXCLUDED.events`,
			b.applicationID, b.day, string(b.level), n)
		if err != nil {
			r.log.Warn().Err(err).
				Str("application_id", b.applicationID).
				Msg("failed to update application stats")
		}
	}
}

// AppDayCount is one row of an application's daily statistics.
type AppDayCount struct {
	Day      time.Time       `json:"day"`
	LogLevel models.LogLevel `json:"logLevel"`
	Events   int64           `json:"events"`
}

// ForApplication returns the counters recorded for an application, newest
// day first.
func (r *Recorder) ForApplication(ctx context.Context, applicationID string) ([]AppDayCount, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT day, log_level, events FROM application_stats
		WHERE application_id = ? ORDER BY day DESC, log_level`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppDayCount
	for rows.Next() {
		var row AppDayCount
		var level string
		if err := rows.Scan(&row.Day, &level, &row.Events); err != nil {
			return nil, err
		}
		row.LogLevel = models.LogLevel(level)
		out = append(out, row)
	}
	return out, rows.Err()
}
