// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package apps is the application directory: which applications exist,
// which (platform, bundleId) pairs they registered, and which users operate
// them. Device admission and the stream-control authorization check consume
// it; account management proper lives outside this service and only syncs
// records in.
package apps

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// ErrNotFound is returned when no application matches.
var ErrNotFound = errors.New("application not found")

// Bundle is one registered (platform, bundleId) pair.
type Bundle struct {
	Platform string `json:"platform"`
	BundleID string `json:"bundleId"`
}

// Application is one registered application.
type Application struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Bundles   []Bundle `json:"bundles"`
	Operators []string `json:"operators"` // user ids allowed to control streams
}

// HasBundle reports whether the (platform, bundleID) pair is registered.
func (a *Application) HasBundle(platform, bundleID string) bool {
	for _, b := range a.Bundles {
		if b.Platform == platform && b.BundleID == bundleID {
			return true
		}
	}
	return false
}

// HasOperator reports whether userID may operate this application.
func (a *Application) HasOperator(userID string) bool {
	for _, op := range a.Operators {
		if op == userID {
			return true
		}
	}
	return false
}

// Directory is the lookup surface admission control depends on.
type Directory interface {
	Get(ctx context.Context, id string) (*Application, error)
}

// BadgerDirectory stores application records as JSON in Badger under the
// "app/" prefix. It can share the Badger instance with the list store.
type BadgerDirectory struct {
	db *badger.DB
}

// NewBadgerDirectory wraps an open Badger handle.
func NewBadgerDirectory(db *badger.DB) *BadgerDirectory {
	return &BadgerDirectory{db: db}
}

func appKey(id string) []byte {
	return []byte("app/" + id)
}

// Put creates or replaces an application record.
func (d *BadgerDirectory) Put(_ context.Context, app *Application) error {
	if app.ID == "" {
		return errors.New("application id required")
	}
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("encode application %s: %w", app.ID, err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(appKey(app.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("store application %s: %w", app.ID, err)
	}
	return nil
}

// Get fetches an application by id.
func (d *BadgerDirectory) Get(_ context.Context, id string) (*Application, error) {
	var app Application
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(appKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &app)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load application %s: %w", id, err)
	}
	return &app, nil
}

// Delete removes an application record. Deleting an unknown id is a no-op.
func (d *BadgerDirectory) Delete(_ context.Context, id string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(appKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete application %s: %w", id, err)
	}
	return nil
}

// List returns every registered application.
func (d *BadgerDirectory) List(_ context.Context) ([]*Application, error) {
	var out []*Application
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("app/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var app Application
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &app)
			})
			if err != nil {
				return err
			}
			out = append(out, &app)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return out, nil
}
