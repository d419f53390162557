// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/metrics"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// DeviceSession is one live device connection: a server-generated uuid, the
// identity established at admission, and the connection's sender.
type DeviceSession struct {
	UUID     string
	Identity models.DeviceIdentity
	client   *client
}

// NewDeviceSession wraps an admitted device connection. A nil conn yields a
// session whose sends only touch the buffered channel, which is all the
// registries and router need.
func NewDeviceSession(uuid string, identity models.DeviceIdentity, conn *websocket.Conn) *DeviceSession {
	return &DeviceSession{UUID: uuid, Identity: identity, client: newClient(conn)}
}

// Send queues a server message to the device; false means dropped.
func (s *DeviceSession) Send(msg ServerMessage) bool {
	return s.client.Send(msg)
}

// WebSession is one live viewer connection.
type WebSession struct {
	UUID   string
	UserID string
	client *client
}

// NewWebSession wraps an authenticated viewer connection.
func NewWebSession(uuid, userID string, conn *websocket.Conn) *WebSession {
	return &WebSession{UUID: uuid, UserID: userID, client: newClient(conn)}
}

// Send queues a server message to the viewer; false means dropped.
func (s *WebSession) Send(msg ServerMessage) bool {
	return s.client.Send(msg)
}

// DeviceRegistry tracks currently connected device sessions. Live
// membership only; nothing here persists.
type DeviceRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession // uuid -> session
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{sessions: make(map[string]*DeviceSession)}
}

// Add registers an admitted session.
func (r *DeviceRegistry) Add(s *DeviceSession) {
	r.mu.Lock()
	r.sessions[s.UUID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	metrics.DeviceSessions.Set(float64(total))
	logging.Info().
		Str("uuid", s.UUID).
		Str("device_id", s.Identity.DeviceID).
		Str("device_name", s.Identity.DeviceName).
		Int("total_devices", total).
		Msg("device connected")
}

// Remove deregisters by uuid and returns the session, or nil when unknown.
func (r *DeviceRegistry) Remove(uuid string) *DeviceSession {
	r.mu.Lock()
	s, ok := r.sessions[uuid]
	if ok {
		delete(r.sessions, uuid)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.DeviceSessions.Set(float64(total))
	logging.Info().
		Str("uuid", uuid).
		Str("device_id", s.Identity.DeviceID).
		Int("total_devices", total).
		Msg("device disconnected")
	return s
}

// Get looks a session up by uuid.
func (r *DeviceRegistry) Get(uuid string) (*DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uuid]
	return s, ok
}

// FindByDeviceID returns the first session whose device id matches.
func (r *DeviceRegistry) FindByDeviceID(deviceID string) (*DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Identity.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

// List returns the sessions matching filter; a nil filter matches all. Used
// by the search/count collaborators on the HTTP side.
func (r *DeviceRegistry) List(filter func(*DeviceSession) bool) []*DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

// SendTo queues msg to the device with the given uuid. False when the
// device is not connected or its buffer was full.
func (r *DeviceRegistry) SendTo(uuid string, msg ServerMessage) bool {
	s, ok := r.Get(uuid)
	if !ok {
		return false
	}
	return s.Send(msg)
}

// WebRegistry tracks currently connected viewer sessions.
type WebRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WebSession // uuid -> session
}

// NewWebRegistry returns an empty registry.
func NewWebRegistry() *WebRegistry {
	return &WebRegistry{sessions: make(map[string]*WebSession)}
}

// Add registers an admitted viewer session.
func (r *WebRegistry) Add(s *WebSession) {
	r.mu.Lock()
	r.sessions[s.UUID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	metrics.WebSessions.Set(float64(total))
	logging.Info().
		Str("uuid", s.UUID).
		Str("user_id", s.UserID).
		Int("total_viewers", total).
		Msg("viewer connected")
}

// Remove deregisters by uuid and returns the session, or nil when unknown.
func (r *WebRegistry) Remove(uuid string) *WebSession {
	r.mu.Lock()
	s, ok := r.sessions[uuid]
	if ok {
		delete(r.sessions, uuid)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.WebSessions.Set(float64(total))
	logging.Info().
		Str("uuid", uuid).
		Str("user_id", s.UserID).
		Int("total_viewers", total).
		Msg("viewer disconnected")
	return s
}

// Get looks a viewer session up by uuid.
func (r *WebRegistry) Get(uuid string) (*WebSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[uuid]
	return s, ok
}
