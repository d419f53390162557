// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/metrics"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// defaultHeartbeatInterval paces the keep-alive ticks that hold subscribed
// devices in streaming mode.
const defaultHeartbeatInterval = 5 * time.Second

// Router maintains the deviceUuid -> viewers subscription relation and
// drives best-effort live fan-out. All cross-component effects flow through
// its public methods; registries never touch the subscription map directly.
//
// The heartbeat is one global ticker, not one per device: it runs while any
// device has subscribers and each tick pings every subscribed device. That
// matches the upstream behavior the device SDKs were built against.
type Router struct {
	devices *DeviceRegistry

	mu   sync.Mutex
	subs map[string]map[string]*WebSession // deviceUuid -> webUuid -> session
	stop chan struct{}                     // nil when the heartbeat is not running

	interval time.Duration
	log      zerolog.Logger
}

// NewRouter builds a router over the device registry. A non-positive
// interval selects the default.
func NewRouter(devices *DeviceRegistry, interval time.Duration) *Router {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Router{
		devices:  devices,
		subs:     make(map[string]map[string]*WebSession),
		interval: interval,
		log:      logging.With().Str("component", "router").Logger(),
	}
}

// Subscribe adds viewer session to the device's subscriber set, creating the
// set if absent, and tells the device to start streaming. Returns false when
// the viewer session is not connected. The first subscription anywhere
// starts the heartbeat.
func (r *Router) Subscribe(viewer *WebSession, deviceUUID string) bool {
	if viewer == nil {
		return false
	}

	r.mu.Lock()
	set, ok := r.subs[deviceUUID]
	if !ok {
		set = make(map[string]*WebSession)
		r.subs[deviceUUID] = set
	}
	set[viewer.UUID] = viewer
	r.ensureHeartbeatLocked()
	total := r.subscriptionCountLocked()
	r.mu.Unlock()

	r.devices.SendTo(deviceUUID, ServerMessage{Type: MsgStartEventsStream, Payload: emptyPayload{}})
	metrics.Subscriptions.Set(float64(total))
	r.log.Info().
		Str("viewer", viewer.UUID).
		Str("device", deviceUUID).
		Msg("viewer subscribed")
	return true
}

// Unsubscribe removes the viewer from the device's set. An emptied set is
// deleted immediately and the device told to stop streaming; the heartbeat
// stops once no device has subscribers.
func (r *Router) Unsubscribe(viewerUUID, deviceUUID string) bool {
	r.mu.Lock()
	set, ok := r.subs[deviceUUID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, ok := set[viewerUUID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, viewerUUID)
	emptied := len(set) == 0
	if emptied {
		delete(r.subs, deviceUUID)
	}
	r.updateHeartbeatLocked()
	total := r.subscriptionCountLocked()
	r.mu.Unlock()

	if emptied {
		r.devices.SendTo(deviceUUID, ServerMessage{Type: MsgStopEventsStream, Payload: emptyPayload{}})
	}
	metrics.Subscriptions.Set(float64(total))
	r.log.Info().
		Str("viewer", viewerUUID).
		Str("device", deviceUUID).
		Msg("viewer unsubscribed")
	return true
}

// DeviceEvent forwards a live event to the device's current subscribers.
// Fire-and-forget: a full viewer buffer drops that one delivery and nothing
// else; the durable path is unaffected either way.
func (r *Router) DeviceEvent(deviceUUID string, event *models.EventRecord) {
	for _, viewer := range r.subscribers(deviceUUID) {
		if viewer.Send(ServerMessage{Type: MsgEventMessage, Payload: event}) {
			metrics.LiveEventsForwarded.Inc()
		}
	}
}

// DeviceDisconnected notifies every subscriber that the device went away,
// then removes the whole subscription entry.
func (r *Router) DeviceDisconnected(deviceUUID string) {
	r.mu.Lock()
	set := r.subs[deviceUUID]
	delete(r.subs, deviceUUID)
	r.updateHeartbeatLocked()
	total := r.subscriptionCountLocked()
	r.mu.Unlock()

	for _, viewer := range set {
		viewer.Send(ServerMessage{Type: MsgDeviceDisconnected, Payload: emptyPayload{}})
	}
	metrics.Subscriptions.Set(float64(total))
	if len(set) > 0 {
		r.log.Info().
			Str("device", deviceUUID).
			Int("notified", len(set)).
			Msg("device disconnected, subscribers notified")
	}
}

// WebDisconnected unsubscribes the viewer from every device it was watching
// (reverse cleanup); devices whose last viewer this was are told to stop
// streaming via the Unsubscribe path.
func (r *Router) WebDisconnected(viewerUUID string) {
	r.mu.Lock()
	var watched []string
	for deviceUUID, set := range r.subs {
		if _, ok := set[viewerUUID]; ok {
			watched = append(watched, deviceUUID)
		}
	}
	r.mu.Unlock()

	for _, deviceUUID := range watched {
		r.Unsubscribe(viewerUUID, deviceUUID)
	}
}

// Subscribers returns the uuids of the device's current subscribers.
func (r *Router) Subscribers(deviceUUID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[deviceUUID]
	out := make([]string, 0, len(set))
	for uuid := range set {
		out = append(out, uuid)
	}
	return out
}

// HeartbeatRunning reports whether the keep-alive ticker is active.
func (r *Router) HeartbeatRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop != nil
}

func (r *Router) subscribers(deviceUUID string) []*WebSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[deviceUUID]
	out := make([]*WebSession, 0, len(set))
	for _, viewer := range set {
		out = append(out, viewer)
	}
	return out
}

func (r *Router) subscriptionCountLocked() int {
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

// ensureHeartbeatLocked starts the ticker if it is not running. Caller holds mu.
func (r *Router) ensureHeartbeatLocked() {
	if r.stop != nil || len(r.subs) == 0 {
		return
	}
	stop := make(chan struct{})
	r.stop = stop
	go r.heartbeat(stop)
	r.log.Debug().Msg("heartbeat started")
}

// updateHeartbeatLocked stops the ticker once nothing is subscribed. Caller
// holds mu.
func (r *Router) updateHeartbeatLocked() {
	if r.stop != nil && len(r.subs) == 0 {
		close(r.stop)
		r.stop = nil
		r.log.Debug().Msg("heartbeat stopped")
	}
}

// heartbeat pings every subscribed device until stopped, keeping their
// "send events" mode alive across idle stretches.
func (r *Router) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			devices := make([]string, 0, len(r.subs))
			for deviceUUID := range r.subs {
				devices = append(devices, deviceUUID)
			}
			r.mu.Unlock()

			for _, deviceUUID := range devices {
				r.devices.SendTo(deviceUUID, ServerMessage{Type: MsgKeepEventsStream, Payload: emptyPayload{}})
			}
		}
	}
}
