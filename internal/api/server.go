// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: api-v1-onedrive-routes

// Package api serves the sync, token, tree and sharing REST surface.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/kbsync/internal/acl"
	"github.com/hyper-ai-inc/kbsync/internal/auth"
	"github.com/hyper-ai-inc/kbsync/internal/events"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/picker"
	"github.com/hyper-ai-inc/kbsync/internal/store"
	"github.com/hyper-ai-inc/kbsync/internal/syncer"
	"github.com/hyper-ai-inc/kbsync/internal/tokens"
)

const apiRevision = "api-v1-onedrive-routes"

func init() {
	log.Printf("[api] REVISION: %s loaded at %s", apiRevision, time.Now().Format(time.RFC3339))
}

// PickerTokens returns the token source a picker session for a knowledge
// base authenticates with.
type PickerTokens func(knowledgeID string, acct model.AccountType) picker.TokenSource

// Deps are the services behind the API. Flow and PickerTokens may be nil
// when OAuth is not configured.
type Deps struct {
	Store    store.Store
	Syncer   *syncer.Manager
	Resolver *acl.Resolver
	Vault    *tokens.Vault
	Flow     *tokens.AuthFlow
	Hub      *events.Hub
	Auth     *auth.Middleware
	Origins  *events.OriginChecker

	// PublicURL is where browsers reach this service; its origin receives
	// the auth callback message.
	PublicURL     string
	PickerBaseURL string
	PickerTokens  PickerTokens
}

// Server routes HTTP requests to the sync services.
type Server struct {
	Deps
	events   *events.Handler
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(d Deps) *Server {
	if !d.Auth.IsEnabled() {
		log.Println("WARNING: internal token not set - authentication is disabled, all requests will be rejected")
	}
	return &Server{
		Deps:   d,
		events: events.NewHandler(d.Hub, d.Origins),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     d.Origins.Check,
		},
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	a := s.Auth

	// Health check - unauthenticated (for load balancer probes)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Knowledge bases
	mux.HandleFunc("POST /api/v1/knowledge", a.RequireAuthFunc(s.handleCreateKnowledge))
	mux.HandleFunc("GET /api/v1/knowledge/{knowledgeId}", a.RequireAuthFunc(s.handleGetKnowledge))
	mux.HandleFunc("GET /api/v1/knowledge/{knowledgeId}/files", a.RequireAuthFunc(s.handleListFiles))
	mux.HandleFunc("GET /api/v1/knowledge/{knowledgeId}/tree", a.RequireAuthFunc(s.handleTree))
	mux.HandleFunc("POST /api/v1/knowledge/{knowledgeId}/access/validate", a.RequireAuthFunc(s.handleValidateAccess))
	mux.HandleFunc("POST /api/v1/knowledge/{knowledgeId}/access", a.RequireAuthFunc(s.handleApplyAccess))

	// Sync
	mux.HandleFunc("POST /api/v1/onedrive/sync/items", a.RequireAuthFunc(s.handleStartSync))
	mux.HandleFunc("POST /api/v1/onedrive/sync/{knowledgeId}/resync", a.RequireAuthFunc(s.handleResync))
	mux.HandleFunc("GET /api/v1/onedrive/sync/{knowledgeId}", a.RequireAuthFunc(s.handleSyncStatus))
	mux.HandleFunc("POST /api/v1/onedrive/sync/{knowledgeId}/cancel", a.RequireAuthFunc(s.handleCancelSync))
	mux.HandleFunc("DELETE /api/v1/onedrive/sync/{knowledgeId}/sources/{driveId}/{itemId}", a.RequireAuthFunc(s.handleRemoveSource))
	mux.HandleFunc("GET /api/v1/onedrive/synced-collections", a.RequireAuthFunc(s.handleSyncedCollections))

	// Tokens and authorization
	mux.HandleFunc("GET /api/v1/onedrive/auth/token-status/{knowledgeId}", a.RequireAuthFunc(s.handleTokenStatus))
	mux.HandleFunc("POST /api/v1/onedrive/auth/revoke/{knowledgeId}", a.RequireAuthFunc(s.handleRevoke))
	mux.HandleFunc("GET /api/v1/onedrive/auth/initiate", a.RequireAuthQueryFunc(s.handleAuthInitiate))
	// The identity provider redirects here; the sealed state authenticates it.
	mux.HandleFunc("GET /api/v1/onedrive/auth/callback", s.handleAuthCallback)

	// Picker
	mux.HandleFunc("GET /api/v1/onedrive/picker/launch", a.RequireAuthFunc(s.handlePickerLaunch))
	mux.HandleFunc("GET /api/v1/onedrive/picker/ws", a.RequireAuthQueryFunc(s.handlePickerWebSocket))

	// Push events - origin validated by upgrader
	mux.HandleFunc("GET /api/v1/events/ws", a.RequireAuthQueryFunc(s.events.ServeHTTP))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "E81002: invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors to a status and an E81xxx-coded body.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "E81000"
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "E81004"
	case errors.Is(err, syncer.ErrForbidden):
		status, code = http.StatusForbidden, "E81003"
	case errors.Is(err, syncer.ErrSyncInProgress):
		status, code = http.StatusConflict, "E81010"
	case errors.Is(err, syncer.ErrNotSyncing):
		status, code = http.StatusConflict, "E81011"
	case errors.Is(err, syncer.ErrNoToken):
		status, code = http.StatusPreconditionRequired, "E81012"
	case errors.Is(err, syncer.ErrNoItems), errors.Is(err, syncer.ErrNoSources),
		errors.Is(err, acl.ErrInvalidMode), errors.Is(err, picker.ErrEmptySelection):
		status, code = http.StatusBadRequest, "E81002"
	case errors.Is(err, acl.ErrShareBlocked):
		status, code = http.StatusConflict, "E81020"
	case errors.Is(err, acl.ErrShareCancelled):
		status, code = http.StatusConflict, "E81021"
	}
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	http.Error(w, code+": "+err.Error(), status)
}

// knowledgeFor loads the knowledge base named in the path and checks that
// the caller owns it. It writes the error response itself.
func (s *Server) knowledgeFor(w http.ResponseWriter, r *http.Request) *model.KnowledgeBase {
	kb, err := s.Store.GetKnowledge(r.Context(), r.PathValue("knowledgeId"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	if user := auth.UserFromContext(r.Context()); user != "" && kb.UserID != "" && kb.UserID != user {
		writeError(w, syncer.ErrForbidden)
		return nil
	}
	return kb
}
