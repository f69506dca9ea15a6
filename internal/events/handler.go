// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package events

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// OriginChecker validates the Origin header against an allowlist. Entries
// may be exact origins, "*", or a host with a wildcard port such as
// "http://localhost:*". An empty allowlist rejects everything.
type OriginChecker struct {
	allowed []string
}

// NewOriginChecker builds a checker from a comma-separated allowlist.
func NewOriginChecker(list string) *OriginChecker {
	var allowed []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			allowed = append(allowed, a)
		}
	}
	return &OriginChecker{allowed: allowed}
}

// Check reports whether the request origin is allowed.
func (o *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, a := range o.allowed {
		if a == origin || a == "*" {
			return true
		}
		if strings.HasSuffix(a, ":*") {
			prefix := strings.TrimSuffix(a, "*")
			if rest, ok := strings.CutPrefix(origin, prefix); ok && rest != "" && isNumeric(rest) {
				return true
			}
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Handler upgrades requests to websocket event streams.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler for hub.
func NewHandler(hub *Hub, origins *OriginChecker) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.Check,
		},
	}
}

// ServeHTTP attaches a client. ?knowledge_id= narrows the stream up front.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[events] websocket upgrade failed: %v", err)
		return
	}
	client := NewClient(conn, h.hub, r.URL.Query().Get("knowledge_id"))
	if client == nil {
		return
	}
	go client.ReadPump()
	go client.WritePump()
}
