// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package auth guards the HTTP API with a shared bearer token and carries
// the calling user's id through the request context.
package auth

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
)

// REVISION: auth-v3-user-context
const authRevision = "auth-v3-user-context"

func init() {
	log.Printf("[auth] REVISION: %s loaded", authRevision)
}

// UserHeader names the caller on authenticated requests.
const UserHeader = "X-User-ID"

type userKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id, or "".
func UserFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userKey{}).(string)
	return s
}

// Middleware checks the shared internal token on API requests.
type Middleware struct {
	token string
}

// NewMiddleware creates a middleware for token. An empty token rejects
// every request.
func NewMiddleware(token string) *Middleware {
	if token == "" {
		log.Printf("[auth] WARNING: internal token is empty, all requests will be rejected (fail-closed)")
	} else {
		log.Printf("[auth] internal token configured (len=%d)", len(token))
	}
	return &Middleware{token: token}
}

// RequireAuth is RequireAuthFunc for an http.Handler.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return m.RequireAuthFunc(next.ServeHTTP)
}

// RequireAuthFunc rejects requests without the token in X-Internal-Token
// or a Bearer header, and puts X-User-ID in the context.
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r, "") {
			http.Error(w, "E81001: Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, withUser(r, ""))
	}
}

// RequireAuthQueryFunc also accepts ?token= and ?user_id= for routes a
// browser opens directly, where headers cannot be set.
func (m *Middleware) RequireAuthQueryFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !m.isAuthenticated(r, q.Get("token")) {
			http.Error(w, "E81001: Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, withUser(r, q.Get("user_id")))
	}
}

func withUser(r *http.Request, fallback string) *http.Request {
	user := r.Header.Get(UserHeader)
	if user == "" {
		user = fallback
	}
	if user == "" {
		return r
	}
	return r.WithContext(WithUser(r.Context(), user))
}

func (m *Middleware) isAuthenticated(r *http.Request, queryToken string) bool {
	if m.token == "" {
		log.Printf("[auth] REJECT %s %s: no token configured (fail-closed)", r.Method, r.URL.Path)
		return false
	}

	// Service-to-service callers send X-Internal-Token; it wins over Authorization.
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		if m.matches(token) {
			return true
		}
		log.Printf("[auth] REJECT %s %s: X-Internal-Token mismatch", r.Method, r.URL.Path)
		return false
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if queryToken != "" {
			return m.matches(queryToken)
		}
		log.Printf("[auth] REJECT %s %s: no X-Internal-Token or Authorization header present", r.Method, r.URL.Path)
		return false
	}

	scheme, bearer, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" {
		log.Printf("[auth] REJECT %s %s: malformed Authorization header", r.Method, r.URL.Path)
		return false
	}
	if m.matches(bearer) {
		return true
	}
	log.Printf("[auth] REJECT %s %s: Bearer token mismatch (len %d)", r.Method, r.URL.Path, len(bearer))
	return false
}

func (m *Middleware) matches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) == 1
}

// IsEnabled reports whether a token is configured.
func (m *Middleware) IsEnabled() bool {
	return m.token != ""
}
