// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/picker"
	"github.com/hyper-ai-inc/kbsync/internal/tokens"
)

func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	st, err := s.Vault.Status(r.Context(), kb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	revoked, err := s.Vault.Revoke(r.Context(), kb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func accountType(q url.Values) model.AccountType {
	if model.AccountType(q.Get("account_type")) == model.AccountPersonal {
		return model.AccountPersonal
	}
	return model.AccountOrganizations
}

func (s *Server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	if s.Flow == nil {
		http.Error(w, "E81030: OAuth is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	r.SetPathValue("knowledgeId", q.Get("knowledge_id"))
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	channelID := q.Get("channel_id")
	if channelID == "" {
		channelID = tokens.NewChannelID()
	}
	consentURL, err := s.Flow.Begin(kb.ID, channelID, accountType(q))
	if err != nil {
		http.Error(w, "E81031: "+err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, consentURL, http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.Flow == nil {
		http.Error(w, "E81030: OAuth is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	ev := s.Flow.Complete(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))
	page, err := tokens.CallbackPage(ev, originOf(s.PublicURL))
	if err != nil {
		http.Error(w, "E81032: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(page)
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

type pickerLaunch struct {
	URL       string `json:"url"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) handlePickerLaunch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	r.SetPathValue("knowledgeId", q.Get("knowledge_id"))
	if kb := s.knowledgeFor(w, r); kb == nil {
		return
	}
	channelID := tokens.NewChannelID()
	u, err := picker.LaunchURL(picker.LaunchOptions{
		BaseURL:   s.PickerBaseURL,
		ChannelID: channelID,
		Origin:    originOf(s.PublicURL),
		Multiple:  q.Get("multiple") != "false",
	})
	if err != nil {
		http.Error(w, "E81033: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, pickerLaunch{URL: u, ChannelID: channelID})
}

// handlePickerWebSocket bridges a browser-hosted picker to a picker session.
// The final message is "selection" with the normalized items, or "error".
func (s *Server) handlePickerWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.PickerTokens == nil {
		http.Error(w, "E81030: OAuth is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	r.SetPathValue("knowledgeId", q.Get("knowledge_id"))
	kb := s.knowledgeFor(w, r)
	if kb == nil {
		return
	}
	channelID := q.Get("channel_id")
	if channelID == "" {
		http.Error(w, "E81002: channel_id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] picker websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	acct := accountType(q)
	port := picker.NewWSPort(conn)
	sess := picker.NewSession(port, s.PickerTokens(kb.ID, acct), acct, channelID)
	items, err := sess.Run(r.Context())

	final := picker.Message{Type: "selection", ChannelID: channelID}
	if err != nil {
		if !errors.Is(err, picker.ErrClosed) {
			log.Printf("[api] picker session for %s ended: %v", kb.ID, err)
		}
		final.Type = "error"
		final.Data, _ = json.Marshal(map[string]string{"message": err.Error()})
	} else {
		final.Data, _ = json.Marshal(items)
		log.Printf("[api] picker selected %d items for %s", len(items), kb.ID)
	}
	if err := port.Send(r.Context(), final); err != nil {
		log.Printf("[api] failed to send picker result: %v", err)
	}
}
