// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package auth verifies the bearer tokens presented at both socket
// boundaries: device tokens bound to an application, viewer tokens bound to
// a user. Token issuance lives here too so the admin tooling and tests can
// mint them; account management itself is external.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience values partition the two token kinds; a viewer token is never
// accepted at the device boundary or vice versa.
const (
	audienceDevice = "streamlog-device"
	audienceViewer = "streamlog-viewer"
)

// ErrInvalidToken covers every verification failure: bad signature, wrong
// audience, expiry, malformed claims. Admission maps it to a single close
// code, so callers don't need the distinction.
var ErrInvalidToken = errors.New("invalid or expired token")

// Manager signs and verifies HMAC tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager builds a manager. ttl bounds issued-token lifetime; zero means
// 30 days (device tokens are baked into app builds and live long).
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// IssueDeviceToken mints a token a device presents at connect time; the
// subject is the application id it logs under.
func (m *Manager) IssueDeviceToken(applicationID string) (string, error) {
	return m.issue(applicationID, audienceDevice)
}

// IssueViewerToken mints a token for an operator's browser session.
func (m *Manager) IssueViewerToken(userID string) (string, error) {
	return m.issue(userID, audienceViewer)
}

func (m *Manager) issue(subject, audience string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyDeviceToken returns the application id a device token is bound to.
func (m *Manager) VerifyDeviceToken(token string) (string, error) {
	return m.verify(token, audienceDevice)
}

// VerifyViewerToken returns the user id a viewer token is bound to.
func (m *Manager) VerifyViewerToken(token string) (string, error) {
	return m.verify(token, audienceViewer)
}

func (m *Manager) verify(token, audience string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return m.secret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
