// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/streamlog-dev/streamlog/internal/auth"
)

type contextKey string

// userIDKey carries the authenticated viewer's user id through the request
// context.
const userIDKey contextKey = "user_id"

// UserID extracts the authenticated user id from a request context. Empty
// when the request did not pass the viewer auth middleware.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// CORS builds the cross-origin middleware from the configured origins.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	})
}

// RateLimit caps requests per client IP per minute. Zero disables.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)
}

// ViewerAuth requires a valid viewer bearer token and stores the subject in
// the request context.
func ViewerAuth(am *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" {
				respondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			userID, err := am.VerifyViewerToken(token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
