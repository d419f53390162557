// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package api exposes the HTTP surface: WebSocket upgrades, stream control,
// stored event queries, and operational endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/streamlog-dev/streamlog/internal/apps"
	"github.com/streamlog-dev/streamlog/internal/live"
	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/models"
	"github.com/streamlog-dev/streamlog/internal/stats"
	"github.com/streamlog-dev/streamlog/internal/storage"
)

// defaultEventPageSize bounds event listings when the client does not ask
// for a limit.
const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// Handler serves the HTTP API over the live and durable halves of the
// system.
type Handler struct {
	db      *storage.DB
	stats   *stats.Recorder
	apps    apps.Directory
	devices *live.DeviceRegistry
	web     *live.WebRegistry
	router  *live.Router
	queue   QueueStatus
}

// QueueStatus is the queue's health view.
type QueueStatus interface {
	Depths() (pending, inflight int64)
}

// NewHandler wires the handler over its collaborators.
func NewHandler(db *storage.DB, recorder *stats.Recorder, dir apps.Directory, devices *live.DeviceRegistry, web *live.WebRegistry, router *live.Router, queue QueueStatus) *Handler {
	return &Handler{
		db:      db,
		stats:   recorder,
		apps:    dir,
		devices: devices,
		web:     web,
		router:  router,
		queue:   queue,
	}
}

// streamRequest is the stream-control body. The viewer session uuid proves
// the caller holds a live connection; the device uuid names the target.
type streamRequest struct {
	ViewerUUID string `json:"viewerUuid"`
	DeviceUUID string `json:"deviceUuid"`
}

// StreamStart subscribes the calling viewer to a device's live stream.
func (h *Handler) StreamStart(w http.ResponseWriter, r *http.Request) {
	req, viewer, device, ok := h.resolveStreamRequest(w, r)
	if !ok {
		return
	}
	if !h.authorizeOperator(w, r.Context(), device.Identity.ApplicationID) {
		return
	}
	if !h.router.Subscribe(viewer, device.UUID) {
		respondError(w, http.StatusConflict, "viewer session not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "subscribed",
		"deviceUuid": req.DeviceUUID,
	})
}

// StreamStop removes the calling viewer's subscription.
func (h *Handler) StreamStop(w http.ResponseWriter, r *http.Request) {
	req, viewer, device, ok := h.resolveStreamRequest(w, r)
	if !ok {
		return
	}
	if !h.authorizeOperator(w, r.Context(), device.Identity.ApplicationID) {
		return
	}
	if !h.router.Unsubscribe(viewer.UUID, device.UUID) {
		respondError(w, http.StatusNotFound, "no such subscription")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "unsubscribed",
		"deviceUuid": req.DeviceUUID,
	})
}

// resolveStreamRequest decodes the body and resolves both sessions. The
// viewer uuid must belong to the authenticated user; a mismatch is treated
// as an unknown session, not an authorization error, to avoid confirming
// foreign uuids.
func (h *Handler) resolveStreamRequest(w http.ResponseWriter, r *http.Request) (*streamRequest, *live.WebSession, *live.DeviceSession, bool) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ViewerUUID == "" || req.DeviceUUID == "" {
		respondError(w, http.StatusBadRequest, "viewerUuid and deviceUuid are required")
		return nil, nil, nil, false
	}
	viewer, ok := h.web.Get(req.ViewerUUID)
	if !ok || viewer.UserID != UserID(r.Context()) {
		respondError(w, http.StatusNotFound, "viewer session not found")
		return nil, nil, nil, false
	}
	device, ok := h.devices.Get(req.DeviceUUID)
	if !ok {
		respondError(w, http.StatusNotFound, "device not connected")
		return nil, nil, nil, false
	}
	return &req, viewer, device, true
}

// authorizeOperator checks that the authenticated user operates the
// application owning the device.
func (h *Handler) authorizeOperator(w http.ResponseWriter, ctx context.Context, applicationID string) bool {
	app, err := h.apps.Get(ctx, applicationID)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			respondError(w, http.StatusNotFound, "application not found")
			return false
		}
		logging.Error().Err(err).Str("application_id", applicationID).Msg("directory lookup failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !app.HasOperator(UserID(ctx)) {
		respondError(w, http.StatusForbidden, "not an operator of this application")
		return false
	}
	return true
}

// Events lists stored events for an application, newest first, with keyset
// pagination via last_timestamp/last_id.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	applicationID := q.Get("application_id")
	if applicationID == "" {
		respondError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	if !h.authorizeOperator(w, r.Context(), applicationID) {
		return
	}

	limit := defaultEventPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxEventPageSize {
			n = maxEventPageSize
		}
		limit = n
	}

	var cursor *storage.Cursor
	if lastID := q.Get("last_id"); lastID != "" {
		ts, err := strconv.ParseInt(q.Get("last_timestamp"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "last_timestamp must accompany last_id")
			return
		}
		cursor = &storage.Cursor{LastTimestamp: ts, LastID: lastID}
	}

	var levels []models.LogLevel
	for _, raw := range q["level"] {
		for _, part := range strings.Split(raw, ",") {
			level := models.LogLevel(strings.TrimSpace(part))
			if !level.Valid() {
				respondError(w, http.StatusBadRequest, "invalid level "+part)
				return
			}
			levels = append(levels, level)
		}
	}

	events, err := h.db.Find(r.Context(), applicationID, limit, cursor, levels...)
	if err != nil {
		logging.Error().Err(err).Str("application_id", applicationID).Msg("event query failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Event returns one stored event by id.
func (h *Handler) Event(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.db.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		logging.Error().Err(err).Str("event_id", id).Msg("event lookup failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !h.authorizeOperator(w, r.Context(), event.ApplicationID) {
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// EventMessage returns the untruncated message for an event.
func (h *Handler) EventMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := h.db.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return
		}
		logging.Error().Err(err).Str("event_id", id).Msg("event lookup failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !h.authorizeOperator(w, r.Context(), event.ApplicationID) {
		return
	}
	message, err := h.db.FullMessage(r.Context(), id)
	if err != nil {
		logging.Error().Err(err).Str("event_id", id).Msg("message lookup failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "message": message})
}

// onlineDevice is the registry view exposed to operators.
type onlineDevice struct {
	UUID       string `json:"uuid"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	BundleID   string `json:"bundleId"`
	OSName     string `json:"osName"`
}

// Devices lists the application's currently connected devices.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("application_id")
	if applicationID == "" {
		respondError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	if !h.authorizeOperator(w, r.Context(), applicationID) {
		return
	}

	sessions := h.devices.List(func(s *live.DeviceSession) bool {
		return s.Identity.ApplicationID == applicationID
	})
	out := make([]onlineDevice, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, onlineDevice{
			UUID:       s.UUID,
			DeviceID:   s.Identity.DeviceID,
			DeviceName: s.Identity.DeviceName,
			Platform:   s.Identity.Platform,
			BundleID:   s.Identity.BundleID,
			OSName:     s.Identity.OSName,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// Stats returns per-day, per-level event counts for an application.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	applicationID := r.URL.Query().Get("application_id")
	if applicationID == "" {
		respondError(w, http.StatusBadRequest, "application_id is required")
		return
	}
	if !h.authorizeOperator(w, r.Context(), applicationID) {
		return
	}

	counts, err := h.stats.ForApplication(r.Context(), applicationID)
	if err != nil {
		logging.Error().Err(err).Str("application_id", applicationID).Msg("stats query failed")
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stats": counts})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness including queue depths.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}
	pending, inflight := h.queue.Depths()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"queueDepth":    pending,
		"inflightDepth": inflight,
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
