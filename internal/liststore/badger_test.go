// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package liststore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open(Config{}) // in-memory
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func appendAll(t *testing.T, store *BadgerStore, list string, values ...string) {
	t.Helper()
	ctx := context.Background()
	for _, v := range values {
		if err := store.Append(ctx, list, []byte(v)); err != nil {
			t.Fatalf("Append %q: %v", v, err)
		}
	}
}

func snapshotStrings(t *testing.T, store *BadgerStore, list string) []string {
	t.Helper()
	values, err := store.Snapshot(context.Background(), list)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func TestAppendSnapshotOrder(t *testing.T) {
	store := openTestStore(t)
	appendAll(t, store, "q", "first", "second", "third")

	got := snapshotStrings(t, store, "q")
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("snapshot returned %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLen(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if n, err := store.Len(ctx, "q"); err != nil || n != 0 {
		t.Fatalf("empty list: n=%d err=%v", n, err)
	}
	appendAll(t, store, "q", "a", "b", "c")
	if n, err := store.Len(ctx, "q"); err != nil || n != 3 {
		t.Fatalf("after 3 appends: n=%d err=%v", n, err)
	}
}

func TestListsAreIsolated(t *testing.T) {
	store := openTestStore(t)
	appendAll(t, store, "q", "queued")
	appendAll(t, store, "processing", "claimed")

	if got := snapshotStrings(t, store, "q"); len(got) != 1 || got[0] != "queued" {
		t.Errorf("list q: %v", got)
	}
	if got := snapshotStrings(t, store, "processing"); len(got) != 1 || got[0] != "claimed" {
		t.Errorf("list processing: %v", got)
	}
}

func TestMoveTailClaimsOldestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendAll(t, store, "q", "1", "2", "3", "4", "5")

	moved, err := store.MoveTail(ctx, "q", "p", 3)
	if err != nil {
		t.Fatalf("MoveTail: %v", err)
	}
	want := []string{"1", "2", "3"}
	if len(moved) != len(want) {
		t.Fatalf("moved %d values, want %d", len(moved), len(want))
	}
	for i := range want {
		if !bytes.Equal(moved[i], []byte(want[i])) {
			t.Errorf("moved[%d] = %q, want %q", i, moved[i], want[i])
		}
	}

	if got := snapshotStrings(t, store, "q"); strings.Join(got, ",") != "4,5" {
		t.Errorf("source list after move: %v", got)
	}
	if got := snapshotStrings(t, store, "p"); strings.Join(got, ",") != "1,2,3" {
		t.Errorf("destination list after move: %v", got)
	}
}

func TestMoveTailBeyondLength(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendAll(t, store, "q", "only")

	moved, err := store.MoveTail(ctx, "q", "p", 25)
	if err != nil {
		t.Fatalf("MoveTail: %v", err)
	}
	if len(moved) != 1 {
		t.Fatalf("moved %d values, want 1", len(moved))
	}
	if n, _ := store.Len(ctx, "q"); n != 0 {
		t.Errorf("source not drained, %d remain", n)
	}
}

func TestMoveTailEmptySource(t *testing.T) {
	store := openTestStore(t)
	moved, err := store.MoveTail(context.Background(), "q", "p", 10)
	if err != nil {
		t.Fatalf("MoveTail: %v", err)
	}
	if len(moved) != 0 {
		t.Fatalf("moved %d values from empty list", len(moved))
	}
}

func TestMoveTailPreservesOrderOnDestination(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendAll(t, store, "q", "a", "b", "c", "d")

	// Two claims in sequence must keep global FIFO order on the destination.
	if _, err := store.MoveTail(ctx, "q", "p", 2); err != nil {
		t.Fatalf("first MoveTail: %v", err)
	}
	if _, err := store.MoveTail(ctx, "q", "p", 2); err != nil {
		t.Fatalf("second MoveTail: %v", err)
	}
	if got := snapshotStrings(t, store, "p"); strings.Join(got, ",") != "a,b,c,d" {
		t.Errorf("destination order: %v", got)
	}
}

func TestRemoveWhere(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendAll(t, store, "p", "keep-1", "drop-1", "keep-2", "drop-2")

	removed, err := store.RemoveWhere(ctx, "p", func(v []byte) bool {
		return bytes.HasPrefix(v, []byte("drop"))
	})
	if err != nil {
		t.Fatalf("RemoveWhere: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	if got := snapshotStrings(t, store, "p"); strings.Join(got, ",") != "keep-1,keep-2" {
		t.Errorf("survivors: %v", got)
	}
}

func TestRemoveWhereNoMatches(t *testing.T) {
	store := openTestStore(t)
	appendAll(t, store, "p", "a", "b")

	removed, err := store.RemoveWhere(context.Background(), "p", func([]byte) bool { return false })
	if err != nil {
		t.Fatalf("RemoveWhere: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed %d, want 0", removed)
	}
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appendAll(t, store, "p", "a", "b", "c")

	if err := store.Clear(ctx, "p"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := store.Len(ctx, "p"); n != 0 {
		t.Errorf("list not cleared, %d remain", n)
	}

	// The sequence counter keeps growing; appends after a clear still land in
	// arrival order.
	appendAll(t, store, "p", "after-clear")
	if got := snapshotStrings(t, store, "p"); len(got) != 1 || got[0] != "after-clear" {
		t.Errorf("append after clear: %v", got)
	}
}

func TestOrderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, "q", []byte(fmt.Sprintf("event-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got := snapshotStrings(t, reopened, "q")
	if len(got) != 10 {
		t.Fatalf("recovered %d values, want 10", len(got))
	}
	for i, v := range got {
		if want := fmt.Sprintf("event-%d", i); v != want {
			t.Errorf("position %d: got %q, want %q", i, v, want)
		}
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	errCh := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				value := fmt.Sprintf("p%d-%03d", p, i)
				if err := store.Append(ctx, "q", []byte(value)); err != nil {
					errCh <- err
				}
			}
		}(p)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Append under contention: %v", err)
	}

	got := snapshotStrings(t, store, "q")
	if len(got) != producers*perProducer {
		t.Fatalf("stored %d values, want %d", len(got), producers*perProducer)
	}

	// Each producer's own values must still appear in its arrival order.
	last := make(map[string]string)
	for _, v := range got {
		producer := strings.SplitN(v, "-", 2)[0]
		if prev, ok := last[producer]; ok && v <= prev {
			t.Fatalf("producer %s out of order: %q after %q", producer, v, prev)
		}
		last[producer] = v
	}
}

func TestConcurrentAppendAndClaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const total = 120

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := store.Append(ctx, "q", []byte(fmt.Sprintf("e-%03d", i))); err != nil {
				t.Errorf("Append: %v", err)
				return
			}
		}
	}()

	claimed := 0
	for claimed < total {
		moved, err := store.MoveTail(ctx, "q", "p", 10)
		if err != nil {
			t.Fatalf("MoveTail: %v", err)
		}
		claimed += len(moved)
	}
	wg.Wait()

	got := snapshotStrings(t, store, "p")
	if len(got) != total {
		t.Fatalf("claimed %d values, want %d", len(got), total)
	}
	for i, v := range got {
		if want := fmt.Sprintf("e-%03d", i); v != want {
			t.Fatalf("position %d: got %q, want %q", i, v, want)
		}
	}
}
