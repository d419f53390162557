// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/streamlog-dev/streamlog/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{}) // in-memory
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func storedEvent(ts int64, level models.LogLevel, message string) *models.EventRecord {
	return &models.EventRecord{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		LogLevel:      level,
		ApplicationID: "app-1",
		Platform:      "ios",
		BundleID:      "com.example.app",
		DeviceID:      "device-1",
		DeviceName:    "iPhone",
		OSName:        "iOS 19",
		Message:       message,
		Tags:          []string{"net", "sync"},
		Meta:          map[string]string{"endpoint": "/v2/sync"},
	}
}

func TestInsertAndFindByID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	event := storedEvent(1756700000000, models.LevelError, "request failed")
	event.StackTrace = "main.run\n\tmain.go:42"
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.FindByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Timestamp != event.Timestamp {
		t.Errorf("timestamp = %d, want %d", got.Timestamp, event.Timestamp)
	}
	if got.LogLevel != models.LevelError || got.Message != "request failed" {
		t.Errorf("payload mismatch: %+v", got)
	}
	if got.ApplicationID != "app-1" || got.DeviceID != "device-1" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "net" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Meta["endpoint"] != "/v2/sync" {
		t.Errorf("meta = %v", got.Meta)
	}
	if got.StackTrace != event.StackTrace {
		t.Errorf("stack trace = %q", got.StackTrace)
	}
}

func TestFindByIDUnknown(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.FindByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertEmptyBatch(t *testing.T) {
	db := openTestDB(t)
	if err := db.Insert(context.Background(), nil); err != nil {
		t.Fatalf("Insert(nil): %v", err)
	}
}

func TestLongMessageTruncationAndOverflow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	long := strings.Repeat("x", maxStoredMessage+500)
	event := storedEvent(1756700000000, models.LevelCrash, long)
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.FindByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if len(got.Message) != maxStoredMessage {
		t.Errorf("stored message length = %d, want %d", len(got.Message), maxStoredMessage)
	}

	full, err := db.FullMessage(ctx, event.ID)
	if err != nil {
		t.Fatalf("FullMessage: %v", err)
	}
	if full != long {
		t.Errorf("full message length = %d, want %d", len(full), len(long))
	}
}

func TestTruncationKeepsRunesIntact(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// The multibyte run straddles the truncation threshold: a byte-boundary
	// cut would split a rune and produce invalid UTF-8.
	long := strings.Repeat("a", maxStoredMessage-1) + strings.Repeat("é", 200)
	event := storedEvent(1756700000000, models.LevelError, long)
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.FindByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !utf8.ValidString(got.Message) {
		t.Error("stored message is not valid UTF-8")
	}
	if len(got.Message) > maxStoredMessage {
		t.Errorf("stored message length = %d, want <= %d", len(got.Message), maxStoredMessage)
	}
	if !strings.HasPrefix(long, got.Message) {
		t.Error("stored message is not a prefix of the original")
	}

	full, err := db.FullMessage(ctx, event.ID)
	if err != nil {
		t.Fatalf("FullMessage: %v", err)
	}
	if full != long {
		t.Errorf("full message length = %d, want %d", len(full), len(long))
	}
}

func TestFullMessageFallsBackToPrimaryRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	event := storedEvent(1756700000000, models.LevelInfo, "short message")
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	full, err := db.FullMessage(ctx, event.ID)
	if err != nil {
		t.Fatalf("FullMessage: %v", err)
	}
	if full != "short message" {
		t.Errorf("full message = %q", full)
	}

	if _, err := db.FullMessage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateIDFailsBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	event := storedEvent(1756700000000, models.LevelInfo, "first delivery")
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Insert(ctx, []*models.EventRecord{event}); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestFindExistingIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stored := []*models.EventRecord{
		storedEvent(1756700000000, models.LevelInfo, "a"),
		storedEvent(1756700001000, models.LevelInfo, "b"),
	}
	if err := db.Insert(ctx, stored); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	probe := []string{stored[0].ID, "never-stored", stored[1].ID}
	existing, err := db.FindExistingIDs(ctx, probe)
	if err != nil {
		t.Fatalf("FindExistingIDs: %v", err)
	}
	if len(existing) != 2 {
		t.Fatalf("existing = %v, want both stored ids", existing)
	}
	found := map[string]bool{}
	for _, id := range existing {
		found[id] = true
	}
	if !found[stored[0].ID] || !found[stored[1].ID] {
		t.Errorf("existing = %v", existing)
	}

	if got, err := db.FindExistingIDs(ctx, nil); err != nil || got != nil {
		t.Errorf("FindExistingIDs(nil) = %v, %v", got, err)
	}
}

func TestFindNewestFirstWithCursor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := int64(1756700000000)
	var all []*models.EventRecord
	for i := 0; i < 10; i++ {
		all = append(all, storedEvent(base+int64(i)*1000, models.LevelInfo, fmt.Sprintf("event %d", i)))
	}
	if err := db.Insert(ctx, all); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	page, err := db.Find(ctx, "app-1", 4, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(page) != 4 {
		t.Fatalf("first page has %d events, want 4", len(page))
	}
	if page[0].Message != "event 9" || page[3].Message != "event 6" {
		t.Errorf("first page order: %q ... %q", page[0].Message, page[3].Message)
	}

	last := page[len(page)-1]
	rest, err := db.Find(ctx, "app-1", 100, &Cursor{LastTimestamp: last.Timestamp, LastID: last.ID})
	if err != nil {
		t.Fatalf("Find with cursor: %v", err)
	}
	if len(rest) != 6 {
		t.Fatalf("second page has %d events, want 6", len(rest))
	}
	if rest[0].Message != "event 5" || rest[5].Message != "event 0" {
		t.Errorf("second page order: %q ... %q", rest[0].Message, rest[5].Message)
	}
}

func TestFindLevelFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	events := []*models.EventRecord{
		storedEvent(1756700000000, models.LevelInfo, "info"),
		storedEvent(1756700001000, models.LevelError, "error"),
		storedEvent(1756700002000, models.LevelCrash, "crash"),
	}
	if err := db.Insert(ctx, events); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.Find(ctx, "app-1", 100, nil, models.LevelError, models.LevelCrash)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("filtered to %d events, want 2", len(got))
	}
	for _, e := range got {
		if e.LogLevel == models.LevelInfo {
			t.Errorf("info event passed the level filter")
		}
	}
}

func TestFindScopedToApplication(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mine := storedEvent(1756700000000, models.LevelInfo, "mine")
	other := storedEvent(1756700001000, models.LevelInfo, "other")
	other.ApplicationID = "app-2"
	if err := db.Insert(ctx, []*models.EventRecord{mine, other}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.Find(ctx, "app-1", 100, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Errorf("cross-application leak: %v", got)
	}
}

func TestNilTagsAndMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	event := storedEvent(1756700000000, models.LevelDebug, "bare")
	event.Tags = nil
	event.Meta = nil
	if err := db.Insert(ctx, []*models.EventRecord{event}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.FindByID(ctx, event.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if len(got.Tags) != 0 || len(got.Meta) != 0 {
		t.Errorf("expected empty tags/meta, got %v / %v", got.Tags, got.Meta)
	}
	if got.StackTrace != "" {
		t.Errorf("stack trace = %q, want empty", got.StackTrace)
	}
}

func TestInsertBatchLargerThanChunk(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n := insertChunkSize + 50
	batch := make([]*models.EventRecord, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, storedEvent(1756700000000+int64(i), models.LevelInfo, "bulk"))
	}
	if err := db.Insert(ctx, batch); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	existing, err := db.FindExistingIDs(ctx, []string{batch[0].ID, batch[n-1].ID})
	if err != nil {
		t.Fatalf("FindExistingIDs: %v", err)
	}
	if len(existing) != 2 {
		t.Errorf("chunked insert incomplete: %v", existing)
	}
}
