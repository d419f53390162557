// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package models defines the Event Record, the normalized unit flowing
// through both the durable and live pipelines, and the client-facing DTO it
// is built from.
package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LogLevel classifies an event's severity.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelDebug LogLevel = "debug"
	LevelCrash LogLevel = "crash"
)

// Valid reports whether l is one of the known levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarn, LevelError, LevelDebug, LevelCrash:
		return true
	}
	return false
}

// microsecondThreshold separates millisecond from microsecond epoch values.
// An epoch-millisecond value of 1e14 would be year ~5138, so anything at or
// above it is taken as microseconds. The mobile SDKs disagreed on the unit
// across releases; the server normalizes instead of trusting either side.
const microsecondThreshold = int64(1e14)

// NormalizeTimestamp converts a producer-supplied epoch value to the
// canonical unit, epoch milliseconds.
func NormalizeTimestamp(ts int64) int64 {
	if ts >= microsecondThreshold {
		return ts / 1000
	}
	return ts
}

// EventDTO is the client-supplied portion of an event. Identity fields are
// never accepted from the payload; they come from the authenticated session.
type EventDTO struct {
	Timestamp  int64             `json:"timestamp" validate:"required,gt=0"`
	LogLevel   LogLevel          `json:"logLevel" validate:"required,oneof=info warn error debug crash"`
	Message    string            `json:"message" validate:"required"`
	Tags       []string          `json:"tags,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	StackTrace string            `json:"stackTrace,omitempty"`
}

// DeviceIdentity is the denormalized identity of a producing device,
// established at admission time and stamped onto every event it sends.
type DeviceIdentity struct {
	ApplicationID string `json:"applicationId"`
	Platform      string `json:"platform"`
	BundleID      string `json:"bundleId"`
	DeviceID      string `json:"deviceId"`
	DeviceName    string `json:"deviceName"`
	OSName        string `json:"osName"`
}

// EventRecord is one normalized log/telemetry entry. Immutable once created;
// ID is the idempotency key for de-duplication at persistence time.
type EventRecord struct {
	ID            string            `json:"id"`
	Timestamp     int64             `json:"timestamp"` // epoch milliseconds
	LogLevel      LogLevel          `json:"logLevel"`
	ApplicationID string            `json:"applicationId"`
	Platform      string            `json:"platform"`
	BundleID      string            `json:"bundleId"`
	DeviceID      string            `json:"deviceId"`
	DeviceName    string            `json:"deviceName"`
	OSName        string            `json:"osName"`
	Message       string            `json:"message"`
	Tags          []string          `json:"tags,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	StackTrace    string            `json:"stackTrace,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator exposes the shared validator instance for callers with their
// own tagged structs.
func Validator() *validator.Validate {
	return validate
}

// ValidateDTO checks the client payload before an Event Record is built.
func ValidateDTO(dto *EventDTO) error {
	if err := validate.Struct(dto); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	return nil
}

// NewEventRecord builds an Event Record from a validated DTO and the session
// identity. The id is generated here, never client-supplied, and the
// timestamp is normalized to milliseconds.
func NewEventRecord(dto *EventDTO, identity DeviceIdentity) *EventRecord {
	return &EventRecord{
		ID:            uuid.NewString(),
		Timestamp:     NormalizeTimestamp(dto.Timestamp),
		LogLevel:      dto.LogLevel,
		ApplicationID: identity.ApplicationID,
		Platform:      identity.Platform,
		BundleID:      identity.BundleID,
		DeviceID:      identity.DeviceID,
		DeviceName:    identity.DeviceName,
		OSName:        identity.OSName,
		Message:       dto.Message,
		Tags:          dto.Tags,
		Meta:          dto.Meta,
		StackTrace:    dto.StackTrace,
	}
}

// Encode serializes the record for the queue's list store.
func (e *EventRecord) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEventRecord deserializes a queue item back into a record.
func DecodeEventRecord(raw []byte) (*EventRecord, error) {
	var e EventRecord
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event record: %w", err)
	}
	return &e, nil
}

// EventID extracts just the id from a serialized record without decoding the
// whole payload. Used by the queue's reconciliation pass.
func EventID(raw []byte) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("probe event id: %w", err)
	}
	return probe.ID, nil
}
