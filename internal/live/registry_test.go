// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"testing"

	"github.com/streamlog-dev/streamlog/internal/models"
)

func TestDeviceRegistryAddGetRemove(t *testing.T) {
	reg := NewDeviceRegistry()
	session := addTestDevice(t, reg, "d1")

	got, ok := reg.Get("d1")
	if !ok || got != session {
		t.Fatal("Get did not return the registered session")
	}

	removed := reg.Remove("d1")
	if removed != session {
		t.Fatal("Remove did not return the session")
	}
	if _, ok := reg.Get("d1"); ok {
		t.Fatal("session still present after Remove")
	}
	if reg.Remove("d1") != nil {
		t.Fatal("second Remove returned a session")
	}
}

func TestDeviceRegistryFindByDeviceID(t *testing.T) {
	reg := NewDeviceRegistry()
	addTestDevice(t, reg, "d1")
	addTestDevice(t, reg, "d2")

	got, ok := reg.FindByDeviceID("device-d2")
	if !ok || got.UUID != "d2" {
		t.Fatalf("FindByDeviceID = %v, %v", got, ok)
	}
	if _, ok := reg.FindByDeviceID("device-unknown"); ok {
		t.Fatal("found a session for an unknown device id")
	}
}

func TestDeviceRegistryList(t *testing.T) {
	reg := NewDeviceRegistry()
	a := addTestDevice(t, reg, "d1")
	a.Identity.ApplicationID = "app-a"
	b := addTestDevice(t, reg, "d2")
	b.Identity.ApplicationID = "app-b"

	all := reg.List(nil)
	if len(all) != 2 {
		t.Fatalf("List(nil) returned %d sessions, want 2", len(all))
	}

	filtered := reg.List(func(s *DeviceSession) bool {
		return s.Identity.ApplicationID == "app-a"
	})
	if len(filtered) != 1 || filtered[0].UUID != "d1" {
		t.Errorf("filtered list = %v", filtered)
	}
}

func TestDeviceRegistrySendTo(t *testing.T) {
	reg := NewDeviceRegistry()
	session := addTestDevice(t, reg, "d1")

	if !reg.SendTo("d1", ServerMessage{Type: MsgKeepEventsStream, Payload: emptyPayload{}}) {
		t.Fatal("SendTo returned false for a connected device")
	}
	if msg := nextMessage(t, session.client); msg.Type != MsgKeepEventsStream {
		t.Errorf("received type %d", msg.Type)
	}
	if reg.SendTo("unknown", ServerMessage{Type: MsgKeepEventsStream}) {
		t.Fatal("SendTo returned true for an unknown uuid")
	}
}

func TestSendToFullBufferReportsDrop(t *testing.T) {
	reg := NewDeviceRegistry()
	session := &DeviceSession{
		UUID:     "d1",
		Identity: models.DeviceIdentity{ApplicationID: "app-1"},
		client:   &client{send: make(chan ServerMessage)}, // unbuffered, nothing reading
	}
	reg.Add(session)

	if reg.SendTo("d1", ServerMessage{Type: MsgKeepEventsStream}) {
		t.Fatal("send into a full buffer reported success")
	}
}

func TestWebRegistryAddGetRemove(t *testing.T) {
	reg := NewWebRegistry()
	session := addTestViewer(t, reg, "v1")

	got, ok := reg.Get("v1")
	if !ok || got != session {
		t.Fatal("Get did not return the registered session")
	}
	if reg.Remove("v1") != session {
		t.Fatal("Remove did not return the session")
	}
	if _, ok := reg.Get("v1"); ok {
		t.Fatal("session still present after Remove")
	}
	if reg.Remove("v1") != nil {
		t.Fatal("second Remove returned a session")
	}
}
