// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/hyper-ai-inc/kbsync/internal/acl"
	"github.com/hyper-ai-inc/kbsync/internal/auth"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/tree"
)

type createKnowledgeBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var body createKnowledgeBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		http.Error(w, "E81002: name required", http.StatusBadRequest)
		return
	}
	kb := &model.KnowledgeBase{
		UserID:      auth.UserFromContext(r.Context()),
		Name:        body.Name,
		Description: body.Description,
	}
	if err := s.Store.CreateKnowledge(r.Context(), kb); err != nil {
		writeError(w, err)
		return
	}
	s.deriveWriteAccess(r.Context(), kb)
	writeJSON(w, http.StatusCreated, kb)
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	s.deriveWriteAccess(r.Context(), kb)
	writeJSON(w, http.StatusOK, kb)
}

// deriveWriteAccess sets kb.WriteAccess for the caller: the owner may write,
// and so may members of a write group. Public read never implies write.
func (s *Server) deriveWriteAccess(ctx context.Context, kb *model.KnowledgeBase) {
	user := auth.UserFromContext(ctx)
	kb.WriteAccess = false
	if user == "" {
		return
	}
	if kb.UserID == user {
		kb.WriteAccess = true
		return
	}
	if kb.AccessControl == nil {
		return
	}
	for _, g := range kb.AccessControl.Write.GroupIDs {
		members, err := s.Store.GroupMembers(ctx, g)
		if err != nil {
			log.Printf("[api] failed to list members of %s: %v", g, err)
			continue
		}
		for _, m := range members {
			if m == user {
				kb.WriteAccess = true
				return
			}
		}
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	files, err := s.Store.ListFiles(r.Context(), kb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []model.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	files, err := s.Store.ListFiles(r.Context(), kb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree.Build(files, kb.Sources))
}

// shareBody is a ShareRequest whose knowledge id comes from the path.
type shareBody struct {
	acl.ShareRequest
	Action model.ShareAction `json:"action"`
}

func (s *Server) shareRequest(w http.ResponseWriter, r *http.Request) (*shareBody, bool) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return nil, false
	}
	var body shareBody
	if !decodeJSON(w, r, &body) {
		return nil, false
	}
	body.KnowledgeID = kb.ID
	// Conflict handling follows the deployment's policy, never the caller's.
	body.Mode = ""
	return &body, true
}

func (s *Server) handleValidateAccess(w http.ResponseWriter, r *http.Request) {
	body, ok := s.shareRequest(w, r)
	if !ok {
		return
	}
	res, err := s.Resolver.ValidateShare(r.Context(), body.ShareRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApplyAccess(w http.ResponseWriter, r *http.Request) {
	body, ok := s.shareRequest(w, r)
	if !ok {
		return
	}
	if body.Action == "" {
		body.Action = model.ActionProceed
	}
	kb, err := s.Resolver.Apply(r.Context(), body.ShareRequest, body.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deriveWriteAccess(r.Context(), kb)
	writeJSON(w, http.StatusOK, kb)
}
