// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"testing"
	"time"

	"github.com/streamlog-dev/streamlog/internal/models"
)

// addTestDevice registers a device session whose messages can be read from
// its buffered channel. No socket is involved; Send never touches the conn.
func addTestDevice(t *testing.T, devices *DeviceRegistry, uuid string) *DeviceSession {
	t.Helper()
	s := &DeviceSession{
		UUID: uuid,
		Identity: models.DeviceIdentity{
			ApplicationID: "app-1",
			Platform:      "ios",
			BundleID:      "com.example.app",
			DeviceID:      "device-" + uuid,
		},
		client: newClient(nil),
	}
	devices.Add(s)
	return s
}

func addTestViewer(t *testing.T, web *WebRegistry, uuid string) *WebSession {
	t.Helper()
	s := &WebSession{UUID: uuid, UserID: "user-" + uuid, client: newClient(nil)}
	web.Add(s)
	return s
}

// nextMessage pops one queued message, failing if none arrives.
func nextMessage(t *testing.T, c *client) ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message queued")
		return ServerMessage{}
	}
}

func assertNoMessage(t *testing.T, c *client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message type %d", msg.Type)
	default:
	}
}

func TestSubscribeSendsStartInstruction(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")

	if !router.Subscribe(viewer, device.UUID) {
		t.Fatal("Subscribe returned false")
	}
	if msg := nextMessage(t, device.client); msg.Type != MsgStartEventsStream {
		t.Errorf("device received type %d, want startEventsStream", msg.Type)
	}
	if subs := router.Subscribers(device.UUID); len(subs) != 1 || subs[0] != viewer.UUID {
		t.Errorf("subscribers = %v", subs)
	}
}

func TestSubscribeNilViewer(t *testing.T) {
	router := NewRouter(NewDeviceRegistry(), time.Hour)
	if router.Subscribe(nil, "d1") {
		t.Fatal("Subscribe accepted a nil viewer")
	}
}

func TestDeviceEventFanOut(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	v1 := addTestViewer(t, web, "v1")
	v2 := addTestViewer(t, web, "v2")
	outsider := addTestViewer(t, web, "v3")

	router.Subscribe(v1, device.UUID)
	router.Subscribe(v2, device.UUID)
	<-device.client.send // start instruction from the first subscribe

	event := &models.EventRecord{ID: "ev-1", Message: "hello"}
	router.DeviceEvent(device.UUID, event)

	for _, viewer := range []*WebSession{v1, v2} {
		msg := nextMessage(t, viewer.client)
		if msg.Type != MsgEventMessage {
			t.Errorf("viewer %s received type %d, want eventMessage", viewer.UUID, msg.Type)
		}
		if got, ok := msg.Payload.(*models.EventRecord); !ok || got.ID != "ev-1" {
			t.Errorf("viewer %s payload = %#v", viewer.UUID, msg.Payload)
		}
	}
	assertNoMessage(t, outsider.client)
}

func TestDeviceEventWithoutSubscribers(t *testing.T) {
	devices := NewDeviceRegistry()
	router := NewRouter(devices, time.Hour)
	device := addTestDevice(t, devices, "d1")

	// Must be a silent no-op.
	router.DeviceEvent(device.UUID, &models.EventRecord{ID: "ev-1"})
	assertNoMessage(t, device.client)
}

func TestUnsubscribeLastViewerStopsStream(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	v1 := addTestViewer(t, web, "v1")
	v2 := addTestViewer(t, web, "v2")

	router.Subscribe(v1, device.UUID)
	router.Subscribe(v2, device.UUID)
	<-device.client.send // start instruction

	// Removing one of two viewers must not stop the stream.
	if !router.Unsubscribe(v1.UUID, device.UUID) {
		t.Fatal("Unsubscribe returned false")
	}
	assertNoMessage(t, device.client)

	// Removing the last one must.
	if !router.Unsubscribe(v2.UUID, device.UUID) {
		t.Fatal("second Unsubscribe returned false")
	}
	if msg := nextMessage(t, device.client); msg.Type != MsgStopEventsStream {
		t.Errorf("device received type %d, want stopEventsStream", msg.Type)
	}
	if subs := router.Subscribers(device.UUID); len(subs) != 0 {
		t.Errorf("subscription entry not removed: %v", subs)
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	router := NewRouter(NewDeviceRegistry(), time.Hour)
	if router.Unsubscribe("v1", "d1") {
		t.Fatal("Unsubscribe of unknown subscription returned true")
	}
}

func TestDeviceDisconnectedNotifiesViewers(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")
	router.Subscribe(viewer, device.UUID)

	devices.Remove(device.UUID)
	router.DeviceDisconnected(device.UUID)

	if msg := nextMessage(t, viewer.client); msg.Type != MsgDeviceDisconnected {
		t.Errorf("viewer received type %d, want deviceDisconnected", msg.Type)
	}
	if subs := router.Subscribers(device.UUID); len(subs) != 0 {
		t.Errorf("subscription entry survived the disconnect: %v", subs)
	}
}

func TestWebDisconnectedCleansEveryDevice(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	d1 := addTestDevice(t, devices, "d1")
	d2 := addTestDevice(t, devices, "d2")
	viewer := addTestViewer(t, web, "v1")

	router.Subscribe(viewer, d1.UUID)
	router.Subscribe(viewer, d2.UUID)
	<-d1.client.send
	<-d2.client.send

	web.Remove(viewer.UUID)
	router.WebDisconnected(viewer.UUID)

	// The viewer was the only subscriber on both devices, so both get the
	// stop instruction.
	for _, device := range []*DeviceSession{d1, d2} {
		if msg := nextMessage(t, device.client); msg.Type != MsgStopEventsStream {
			t.Errorf("device %s received type %d, want stopEventsStream", device.UUID, msg.Type)
		}
		if subs := router.Subscribers(device.UUID); len(subs) != 0 {
			t.Errorf("device %s entry not removed: %v", device.UUID, subs)
		}
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, 10*time.Millisecond)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")

	if router.HeartbeatRunning() {
		t.Fatal("heartbeat running with no subscriptions")
	}

	router.Subscribe(viewer, device.UUID)
	if !router.HeartbeatRunning() {
		t.Fatal("heartbeat not started on first subscription")
	}
	<-device.client.send // start instruction

	// At least one keep-alive must arrive within a few intervals.
	deadline := time.After(time.Second)
waiting:
	for {
		select {
		case msg := <-device.client.send:
			if msg.Type == MsgKeepEventsStream {
				break waiting
			}
		case <-deadline:
			t.Fatal("no keep-alive observed")
		}
	}

	router.Unsubscribe(viewer.UUID, device.UUID)
	if router.HeartbeatRunning() {
		t.Fatal("heartbeat still running after last unsubscribe")
	}
}

func TestDroppedDeliveryDoesNotBlock(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	router := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")
	router.Subscribe(viewer, device.UUID)

	// Saturate the viewer's buffer; further deliveries drop instead of
	// blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+50; i++ {
			router.DeviceEvent(device.UUID, &models.EventRecord{ID: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out blocked on a full viewer buffer")
	}
}

func TestFanOutSurvivesViewerTeardown(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	r := NewRouter(devices, time.Hour)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")
	r.Subscribe(viewer, device.UUID)
	nextMessage(t, device.client) // startEventsStream

	// The viewer tears down between the router's subscriber snapshot and
	// the send: its channel is already closed when the fan-out reaches it.
	viewer.client.shutdown()

	r.DeviceEvent(device.UUID, &models.EventRecord{ID: "e1"})
	r.DeviceDisconnected(device.UUID)
}

func TestHeartbeatSurvivesDeviceTeardown(t *testing.T) {
	devices := NewDeviceRegistry()
	web := NewWebRegistry()
	r := NewRouter(devices, 5*time.Millisecond)

	device := addTestDevice(t, devices, "d1")
	viewer := addTestViewer(t, web, "v1")
	r.Subscribe(viewer, device.UUID)

	// Close the device's channel while the heartbeat keeps pinging it.
	device.client.shutdown()
	time.Sleep(30 * time.Millisecond)

	r.Unsubscribe(viewer.UUID, device.UUID)
}
