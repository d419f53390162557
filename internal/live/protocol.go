// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package live owns everything ephemeral: the device and viewer session
// registries, the subscription router that fans events out to watching
// viewers, and the WebSocket wire protocol both connection kinds speak.
// Nothing here touches the durable path beyond handing freshly normalized
// events to the queue; live delivery is best-effort by design.
package live

import (
	"github.com/goccy/go-json"
)

// ServerMessageType tags server-originated envelopes. The numeric values
// are wire format shared with the device SDKs and the web client; do not
// renumber.
type ServerMessageType int

const (
	MsgStartEventsStream  ServerMessageType = 0
	MsgStopEventsStream   ServerMessageType = 1
	MsgClientUUIDResponse ServerMessageType = 2
	MsgEventMessage       ServerMessageType = 3
	MsgKeepEventsStream   ServerMessageType = 4
	MsgDeviceDisconnected ServerMessageType = 5
)

// ServerMessage is a server-pushed envelope, to either connection kind.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload any               `json:"payload"`
}

// ClientMessage is a client-originated envelope. Payload stays raw until
// the type dispatch decides how to decode it.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMsgEvent is the one message type devices send: a log event.
const ClientMsgEvent = "eventMessage"

// Close codes, one per failure category so client-side diagnostics can tell
// them apart. All within the application range (4000-4999) that WebSocket
// close frames can carry.
const (
	CloseApplicationNotFound = 4000
	CloseValidationFailed    = 4001
	CloseInvalidToken        = 4002
	CloseUnknownClient       = 4003
	CloseMalformedMessage    = 4004
	CloseUnknownMessageType  = 4005
	CloseBundleNotRegistered = 4006
	CloseInternalError       = 4010
)

// uuidPayload carries a session uuid back to a freshly admitted client.
type uuidPayload struct {
	UUID string `json:"uuid"`
}

// emptyPayload is for instruction envelopes with no body.
type emptyPayload struct{}
