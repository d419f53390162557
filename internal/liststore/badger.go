// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package liststore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/streamlog-dev/streamlog/internal/logging"
)

// BadgerStore implements Store on BadgerDB.
//
// Layout:
//
//	l/<list>/<seq>  -> value, seq is a big-endian uint64
//	m/<list>        -> next sequence number for the list
//
// Sequence numbers only grow, so ascending key order within a list prefix is
// arrival order: the tail (oldest) is the lowest seq. MoveTail and
// RemoveWhere each run inside a single Badger Update transaction, which is
// what makes the queue's claim step atomic across crashed or concurrent
// flushers.
type BadgerStore struct {
	db *badger.DB
}

// Config controls the Badger instance backing the store.
type Config struct {
	// Path is the on-disk directory. Empty means in-memory (tests).
	Path string

	// SyncWrites forces fsync on every commit. Durability over throughput;
	// the queue exists to survive crashes, so this defaults on.
	SyncWrites bool
}

// Open creates or reopens a BadgerStore at cfg.Path.
func Open(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger list store: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("list store opened")
	return &BadgerStore{db: db}, nil
}

// OpenBadger wraps an already-open Badger handle. Used when the process
// shares one Badger instance between the list store and other components.
func OpenBadger(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// DB exposes the underlying Badger handle for components sharing the
// instance (the application directory).
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func listPrefix(list string) []byte {
	return []byte("l/" + list + "/")
}

func metaKey(list string) []byte {
	return []byte("m/" + list)
}

func itemKey(list string, seq uint64) []byte {
	key := make([]byte, 0, len(list)+11)
	key = append(key, listPrefix(list)...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// nextSeq reads and advances the list's sequence counter inside txn.
func nextSeq(txn *badger.Txn, list string) (uint64, error) {
	var seq uint64
	item, err := txn.Get(metaKey(list))
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			seq = binary.BigEndian.Uint64(val)
			return nil
		})
		if err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
		seq = 0
	default:
		return 0, err
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq+1)
	if err := txn.Set(metaKey(list), buf[:]); err != nil {
		return 0, err
	}
	return seq, nil
}

// update runs fn in a Badger Update transaction, retrying on ErrConflict.
// Every list mutation touches the shared per-list meta key, so concurrent
// producers abort each other under Badger's SSI; a conflict means another
// transaction committed, so each retry round makes progress. fn must be
// safe to re-run from scratch.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

// Append adds value at the head of list.
func (s *BadgerStore) Append(_ context.Context, list string, value []byte) error {
	err := s.update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, list)
		if err != nil {
			return err
		}
		return txn.Set(itemKey(list, seq), value)
	})
	if err != nil {
		return fmt.Errorf("append to %q: %w", list, err)
	}
	return nil
}

// Snapshot returns every value in list, oldest first.
func (s *BadgerStore) Snapshot(_ context.Context, list string) ([][]byte, error) {
	var values [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts(list))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", list, err)
	}
	return values, nil
}

// Len returns the number of values in list.
func (s *BadgerStore) Len(_ context.Context, list string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := iterOpts(list)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("len %q: %w", list, err)
	}
	return n, nil
}

// MoveTail atomically claims up to max oldest values from src onto dst.
func (s *BadgerStore) MoveTail(_ context.Context, src, dst string, max int) ([][]byte, error) {
	var moved [][]byte
	err := s.update(func(txn *badger.Txn) error {
		moved = moved[:0]

		it := txn.NewIterator(iterOpts(src))
		type claimed struct {
			key   []byte
			value []byte
		}
		var items []claimed
		for it.Rewind(); it.Valid() && len(items) < max; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			items = append(items, claimed{key: it.Item().KeyCopy(nil), value: val})
		}
		it.Close()

		for _, item := range items {
			if err := txn.Delete(item.key); err != nil {
				return err
			}
			seq, err := nextSeq(txn, dst)
			if err != nil {
				return err
			}
			if err := txn.Set(itemKey(dst, seq), item.value); err != nil {
				return err
			}
			moved = append(moved, item.value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("move %q -> %q: %w", src, dst, err)
	}
	return moved, nil
}

// RemoveWhere deletes matching values from list in one transaction.
func (s *BadgerStore) RemoveWhere(_ context.Context, list string, match func([]byte) bool) (int, error) {
	removed := 0
	err := s.update(func(txn *badger.Txn) error {
		removed = 0

		it := txn.NewIterator(iterOpts(list))
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			if match(val) {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove from %q: %w", list, err)
	}
	return removed, nil
}

// Clear removes all values from list.
func (s *BadgerStore) Clear(ctx context.Context, list string) error {
	_, err := s.RemoveWhere(ctx, list, func([]byte) bool { return true })
	if err != nil {
		return fmt.Errorf("clear %q: %w", list, err)
	}
	return nil
}

// Close releases the underlying Badger instance.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func iterOpts(list string) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = listPrefix(list)
	return opts
}
