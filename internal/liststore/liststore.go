// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package liststore provides the shared external list store underneath the
// durable batch queue: named FIFO lists that survive process restarts, with
// an atomic tail-to-head move for claiming work.
package liststore

import "context"

// Store is the list-store contract consumed by the durable batch queue.
//
// Lists are FIFO: Append adds at the head (newest), MoveTail claims from the
// tail (oldest). Implementations must make MoveTail atomic with respect to
// concurrent movers; a read-then-write pair would let two flushers claim
// overlapping items.
type Store interface {
	// Append adds value at the head of list.
	Append(ctx context.Context, list string, value []byte) error

	// Snapshot returns every value in list, oldest first.
	Snapshot(ctx context.Context, list string) ([][]byte, error)

	// Len returns the number of values in list.
	Len(ctx context.Context, list string) (int64, error)

	// MoveTail atomically pops up to max values from the tail of src and
	// pushes them onto dst, preserving order. Returns the moved values,
	// oldest first. Moving from an empty src returns an empty slice.
	MoveTail(ctx context.Context, src, dst string, max int) ([][]byte, error)

	// RemoveWhere deletes every value in list for which match returns true,
	// in one atomic operation, and reports how many were removed.
	RemoveWhere(ctx context.Context, list string, match func(value []byte) bool) (int, error)

	// Clear removes all values from list.
	Clear(ctx context.Context, list string) error

	// Close releases the underlying store.
	Close() error
}
