// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package api

import (
	"net/http"

	"github.com/hyper-ai-inc/kbsync/internal/auth"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/syncer"
)

type startSyncBody struct {
	KnowledgeID string           `json:"knowledge_id"`
	Items       []model.SyncItem `json:"items"`
	AccessToken string           `json:"access_token"`
	UserToken   string           `json:"user_token"`
}

type messageResponse struct {
	Message     string `json:"message"`
	KnowledgeID string `json:"knowledge_id"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var body startSyncBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.KnowledgeID == "" {
		http.Error(w, "E81002: knowledge_id required", http.StatusBadRequest)
		return
	}
	_, err := s.Syncer.StartSync(r.Context(), syncer.StartRequest{
		KnowledgeID: body.KnowledgeID,
		Items:       body.Items,
		AccessToken: body.AccessToken,
		UserID:      auth.UserFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "sync started", KnowledgeID: body.KnowledgeID})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	id := r.PathValue("knowledgeId")
	if _, err := s.Syncer.Resync(r.Context(), id, body.AccessToken, auth.UserFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "resync started", KnowledgeID: id})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	sess, err := s.Syncer.Status(r.Context(), kb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	if err := s.Syncer.Cancel(kb.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "cancellation requested", KnowledgeID: kb.ID})
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	n, err := s.Syncer.RemoveSource(r.Context(), kb.ID, r.PathValue("driveId"), r.PathValue("itemId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleSyncedCollections(w http.ResponseWriter, r *http.Request) {
	out, err := s.Syncer.SyncedCollections(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []syncer.SyncedCollection{}
	}
	writeJSON(w, http.StatusOK, out)
}
