// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/streamlog-dev/streamlog/internal/models"
)

const (
	// insertChunkSize bounds the rows per INSERT statement inside a batch
	// transaction.
	insertChunkSize = 500

	// maxStoredMessage is the truncation threshold for the primary events
	// row. Longer messages keep their full text in event_contents under the
	// same id.
	maxStoredMessage = 1000
)

// ErrNotFound is returned by the read paths when no event matches.
var ErrNotFound = errors.New("event not found")

// truncateMessage cuts a message down to at most maxStoredMessage bytes
// without splitting a UTF-8 rune; a byte-boundary cut would hand DuckDB an
// invalid string and fail the whole batch.
func truncateMessage(message string) string {
	cut := maxStoredMessage
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

const eventColumns = 13

// Insert persists a batch inside one transaction, chunked. Oversized
// messages are truncated in the events row and the full text upserted into
// event_contents. A duplicate id fails the transaction; callers recover
// through FindExistingIDs.
func (db *DB) Insert(ctx context.Context, events []*models.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	return db.tx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(events); start += insertChunkSize {
			end := min(start+insertChunkSize, len(events))
			if err := insertChunk(ctx, tx, events[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChunk(ctx context.Context, tx *sql.Tx, chunk []*models.EventRecord) error {
	placeholders := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*eventColumns)
	var overflowIDs []string
	var overflowArgs []any

	for _, e := range chunk {
		message := e.Message
		if len(message) > maxStoredMessage {
			message = truncateMessage(message)
			overflowIDs = append(overflowIDs, "(?, ?)")
			overflowArgs = append(overflowArgs, e.ID, e.Message)
		}

		meta, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("marshal meta for %s: %w", e.ID, err)
		}
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags for %s: %w", e.ID, err)
		}

		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			e.ID,
			time.UnixMilli(e.Timestamp).UTC(),
			string(e.LogLevel),
			e.ApplicationID,
			e.Platform,
			e.BundleID,
			e.DeviceID,
			e.DeviceName,
			e.OSName,
			message,
			string(tags),
			string(meta),
			nullable(e.StackTrace),
		)
	}

	query := `INSERT INTO events (
		id, ts, log_level, application_id, platform, bundle_id,
		device_id, device_name, os_name, message, tags, meta, stack_trace
	) VALUES ` + strings.Join(placeholders, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert events chunk: %w", err)
	}

	if len(overflowIDs) > 0 {
		query := `INSERT INTO event_contents (id, message) VALUES ` +
			strings.Join(overflowIDs, ", ") +
			` ON CONFLICT (id) DO UPDATE SET message = EXCLUDED.message`
		if _, err := tx.ExecContext(ctx, query, overflowArgs...); err != nil {
			return fmt.Errorf("insert event contents: %w", err)
		}
	}
	return nil
}

// FindExistingIDs reports which of ids are already persisted. Consumed by
// the queue's reconciliation after a failed insert.
func (db *DB) FindExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id FROM events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("find existing ids: %w", err)
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing id: %w", err)
		}
		existing = append(existing, id)
	}
	return existing, rows.Err()
}

// FindByID fetches a single event. The message is the possibly-truncated
// primary row; use FullMessage for the overflow text.
func (db *DB) FindByID(ctx context.Context, id string) (*models.EventRecord, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, ts, log_level, application_id, platform, bundle_id,
		       device_id, device_name, os_name, message, tags, meta, stack_trace
		FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// FullMessage returns the complete message text for id, preferring the
// overflow table and falling back to the primary row.
func (db *DB) FullMessage(ctx context.Context, id string) (string, error) {
	var message string
	err := db.conn.QueryRowContext(ctx,
		`SELECT message FROM event_contents WHERE id = ?`, id).Scan(&message)
	if err == nil {
		return message, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("full message %s: %w", id, err)
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT message FROM events WHERE id = ?`, id).Scan(&message)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("full message %s: %w", id, err)
	}
	return message, nil
}

// Cursor is the keyset-pagination position: the (timestamp, id) of the last
// row the client has seen.
type Cursor struct {
	LastTimestamp int64
	LastID        string
}

// Find lists an application's events newest first, optionally filtered to a
// set of levels, resuming after cursor when given.
func (db *DB) Find(ctx context.Context, applicationID string, limit int, cursor *Cursor, levels ...models.LogLevel) ([]*models.EventRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, ts, log_level, application_id, platform, bundle_id,
		       device_id, device_name, os_name, message, tags, meta, stack_trace
		FROM events WHERE application_id = ?`)
	args := []any{applicationID}

	if cursor != nil {
		sb.WriteString(` AND (ts, id) < (?, ?)`)
		args = append(args, time.UnixMilli(cursor.LastTimestamp).UTC(), cursor.LastID)
	}
	if len(levels) > 0 {
		sb.WriteString(` AND log_level IN (` +
			strings.TrimSuffix(strings.Repeat("?, ", len(levels)), ", ") + `)`)
		for _, level := range levels {
			args = append(args, string(level))
		}
	}
	sb.WriteString(` ORDER BY ts DESC, id DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer rows.Close()

	var events []*models.EventRecord
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.EventRecord, error) {
	var (
		e          models.EventRecord
		ts         time.Time
		level      string
		tags       sql.NullString
		meta       sql.NullString
		stackTrace sql.NullString
	)
	err := row.Scan(&e.ID, &ts, &level, &e.ApplicationID, &e.Platform, &e.BundleID,
		&e.DeviceID, &e.DeviceName, &e.OSName, &e.Message, &tags, &meta, &stackTrace)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}

	e.Timestamp = ts.UnixMilli()
	e.LogLevel = models.LogLevel(level)
	e.StackTrace = stackTrace.String
	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", e.ID, err)
		}
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
