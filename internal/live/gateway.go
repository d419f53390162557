// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/streamlog-dev/streamlog/internal/apps"
	"github.com/streamlog-dev/streamlog/internal/auth"
	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/metrics"
	"github.com/streamlog-dev/streamlog/internal/models"
)

// Enqueuer is the durable side of event handling. Satisfied by the batch
// queue; narrowed here so the gateway can be tested with a recorder.
type Enqueuer interface {
	Enqueue(ctx context.Context, event *models.EventRecord) error
}

// GatewayConfig tunes the socket gateway.
type GatewayConfig struct {
	// EventsPerSecond caps sustained event ingest per device connection.
	// Zero disables the limit.
	EventsPerSecond float64 `koanf:"events_per_second"`
	// EventBurst is the limiter burst size. Defaults to 2x the rate.
	EventBurst int `koanf:"event_burst"`
	// CheckOrigin permits cross-origin upgrades when true. Device SDKs do
	// not send a browser Origin header, so device upgrades always pass;
	// this only widens the viewer side.
	CheckOrigin bool `koanf:"check_origin"`
}

// deviceHeaders is everything a device must present at admission. All
// identity comes from here and the token, never from later payloads.
type deviceHeaders struct {
	Token      string `validate:"required"`
	Platform   string `validate:"required,oneof=ios android web desktop"`
	BundleID   string `validate:"required"`
	DeviceID   string `validate:"required"`
	DeviceName string `validate:"required"`
	OSName     string `validate:"required"`
}

// Gateway admits WebSocket connections for both connection kinds, runs
// their read loops, and tears sessions down when the socket drops. All
// admission failures close with a distinct application code so the client
// can tell misconfiguration from auth failure.
type Gateway struct {
	auth    *auth.Manager
	apps    apps.Directory
	devices *DeviceRegistry
	web     *WebRegistry
	router  *Router
	queue   Enqueuer

	cfg      GatewayConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewGateway wires the gateway over its collaborators.
func NewGateway(am *auth.Manager, dir apps.Directory, devices *DeviceRegistry, web *WebRegistry, router *Router, queue Enqueuer, cfg GatewayConfig) *Gateway {
	if cfg.EventsPerSecond > 0 && cfg.EventBurst <= 0 {
		cfg.EventBurst = int(cfg.EventsPerSecond * 2)
		if cfg.EventBurst < 1 {
			cfg.EventBurst = 1
		}
	}
	g := &Gateway{
		auth:    am,
		apps:    dir,
		devices: devices,
		web:     web,
		router:  router,
		queue:   queue,
		cfg:     cfg,
		log:     logging.With().Str("component", "gateway").Logger(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if cfg.CheckOrigin {
		g.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return g
}

// HandleDevice upgrades and admits a device connection. Admission order:
// header validation, token verification, application lookup, bundle
// registration. Each failure closes with its own code before any session
// state exists.
func (g *Gateway) HandleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("device upgrade failed")
		return
	}

	hdr := deviceHeaders{
		Token:      r.Header.Get("Authorization"),
		Platform:   r.Header.Get("X-Streamlog-Platform"),
		BundleID:   r.Header.Get("X-Streamlog-Bundle-Id"),
		DeviceID:   r.Header.Get("X-Streamlog-Device-Id"),
		DeviceName: r.Header.Get("X-Streamlog-Device-Name"),
		OSName:     r.Header.Get("X-Streamlog-Os-Name"),
	}
	if err := validateHeaders(&hdr); err != nil {
		g.reject(conn, CloseValidationFailed, "missing or invalid connection headers")
		return
	}

	applicationID, err := g.auth.VerifyDeviceToken(hdr.Token)
	if err != nil {
		g.reject(conn, CloseInvalidToken, "invalid token")
		return
	}

	app, err := g.apps.Get(r.Context(), applicationID)
	if err != nil {
		if errors.Is(err, apps.ErrNotFound) {
			g.reject(conn, CloseApplicationNotFound, "application not found")
			return
		}
		g.log.Error().Err(err).Str("application_id", applicationID).Msg("directory lookup failed")
		g.reject(conn, CloseInternalError, "internal error")
		return
	}
	if !app.HasBundle(hdr.Platform, hdr.BundleID) {
		g.reject(conn, CloseBundleNotRegistered, "bundle not registered for application")
		return
	}

	// A reconnect supersedes any session the device left behind: the stale
	// connection is deregistered, its subscribers notified, and the socket
	// closed as no longer known.
	if old, ok := g.devices.FindByDeviceID(hdr.DeviceID); ok && old.Identity.ApplicationID == applicationID {
		g.devices.Remove(old.UUID)
		g.router.DeviceDisconnected(old.UUID)
		g.closeProtocol(old.client.conn, CloseUnknownClient, "unknown client")
		old.client.shutdown()
	}

	session := NewDeviceSession(uuid.NewString(), models.DeviceIdentity{
		ApplicationID: applicationID,
		Platform:      hdr.Platform,
		BundleID:      hdr.BundleID,
		DeviceID:      hdr.DeviceID,
		DeviceName:    hdr.DeviceName,
		OSName:        hdr.OSName,
	}, conn)
	g.devices.Add(session)
	go session.client.writePump()
	session.Send(ServerMessage{Type: MsgClientUUIDResponse, Payload: uuidPayload{UUID: session.UUID}})

	g.deviceReadLoop(r.Context(), session)

	g.devices.Remove(session.UUID)
	g.router.DeviceDisconnected(session.UUID)
	session.client.shutdown()
}

// deviceReadLoop consumes client envelopes until the socket drops or the
// device violates the protocol. Violations close the connection; a bad
// connection is cheaper than a poisoned stream.
func (g *Gateway) deviceReadLoop(ctx context.Context, session *DeviceSession) {
	conn := session.client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var limiter *rate.Limiter
	if g.cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug().Err(err).Str("uuid", session.UUID).Msg("device read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.closeProtocol(conn, CloseMalformedMessage, "malformed envelope")
			return
		}

		// A session evicted mid-loop no longer speaks for its device.
		if _, ok := g.devices.Get(session.UUID); !ok {
			g.closeProtocol(conn, CloseUnknownClient, "unknown client")
			return
		}

		switch msg.Type {
		case ClientMsgEvent:
			if limiter != nil && !limiter.Allow() {
				// Over-rate events are dropped, not fatal: bursty crash
				// reporters should not lose their connection.
				metrics.LiveEventsDropped.Inc()
				continue
			}
			if err := g.handleEvent(ctx, session, msg.Payload); err != nil {
				// Close frame reasons are capped at 123 bytes; validator
				// errors are logged, not echoed.
				g.log.Debug().Err(err).Str("uuid", session.UUID).Msg("event rejected")
				g.closeProtocol(conn, CloseMalformedMessage, "invalid event payload")
				return
			}
		default:
			g.closeProtocol(conn, CloseUnknownMessageType, "unknown message type "+msg.Type)
			return
		}
	}
}

// handleEvent validates, normalizes, persists, and fans out one device
// event. A queue failure is logged but never surfaced to the device; the
// envelope itself was well-formed.
func (g *Gateway) handleEvent(ctx context.Context, session *DeviceSession, payload json.RawMessage) error {
	var dto models.EventDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return errors.New("malformed event payload")
	}
	if err := models.ValidateDTO(&dto); err != nil {
		return err
	}

	record := models.NewEventRecord(&dto, session.Identity)
	if err := g.queue.Enqueue(ctx, record); err != nil {
		g.log.Error().Err(err).Str("event_id", record.ID).Msg("enqueue failed")
	}
	g.router.DeviceEvent(session.UUID, record)
	return nil
}

// HandleViewer upgrades and admits a viewer connection. Viewers
// authenticate with a token query parameter since browsers cannot set
// headers on WebSocket upgrades.
func (g *Gateway) HandleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("viewer upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		g.reject(conn, CloseValidationFailed, "missing token")
		return
	}
	userID, err := g.auth.VerifyViewerToken(token)
	if err != nil {
		g.reject(conn, CloseInvalidToken, "invalid token")
		return
	}

	session := NewWebSession(uuid.NewString(), userID, conn)
	g.web.Add(session)
	go session.client.writePump()
	session.Send(ServerMessage{Type: MsgClientUUIDResponse, Payload: uuidPayload{UUID: session.UUID}})

	g.viewerReadLoop(session)

	g.web.Remove(session.UUID)
	g.router.WebDisconnected(session.UUID)
	session.client.shutdown()
}

// viewerReadLoop keeps the viewer socket alive. Viewers have no inbound
// protocol; stream control goes through the HTTP API. Any payload they do
// send is a protocol violation.
func (g *Gateway) viewerReadLoop(session *WebSession) {
	conn := session.client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.closeProtocol(conn, CloseMalformedMessage, "malformed envelope")
			return
		}
		g.closeProtocol(conn, CloseUnknownMessageType, "unknown message type "+msg.Type)
		return
	}
}

// reject closes a connection that never got past admission.
func (g *Gateway) reject(conn *websocket.Conn, code int, reason string) {
	metrics.AdmissionRejects.WithLabelValues(strconv.Itoa(code)).Inc()
	g.log.Debug().Int("code", code).Str("reason", reason).Msg("connection rejected")
	closeWith(conn, code, reason)
}

// closeProtocol closes an admitted connection over a protocol violation.
// The registry/router teardown happens in the caller once the read loop
// returns.
func (g *Gateway) closeProtocol(conn *websocket.Conn, code int, reason string) {
	g.log.Debug().Int("code", code).Str("reason", reason).Msg("closing connection")
	closeWith(conn, code, reason)
}

var headerValidate = models.Validator()

func validateHeaders(h *deviceHeaders) error {
	return headerValidate.Struct(h)
}
