// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/kbsync/internal/acl"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/syncer"
	"github.com/hyper-ai-inc/kbsync/internal/tree"
)

// ErrAlreadySyncing is returned when the server reports a running session.
var ErrAlreadySyncing = errors.New("a sync is already running for this knowledge base")

// APIError is a non-2xx response from the sync service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client calls the sync service REST API and event stream.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a client. token is sent as the bearer credential and
// userID as X-User-ID.
func NewClient(baseURL, token, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
}

// MessageResponse is the body of start, resync and cancel.
type MessageResponse struct {
	Message     string `json:"message"`
	KnowledgeID string `json:"knowledge_id"`
}

type startBody struct {
	KnowledgeID string           `json:"knowledge_id"`
	Items       []model.SyncItem `json:"items"`
	AccessToken string           `json:"access_token,omitempty"`
	UserToken   string           `json:"user_token,omitempty"`
}

// StartSync submits a selection.
func (c *Client) StartSync(ctx context.Context, knowledgeID string, items []model.SyncItem, accessToken string) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/onedrive/sync/items", startBody{
		KnowledgeID: knowledgeID, Items: items, AccessToken: accessToken, UserToken: c.token,
	}, nil)
	return conflictAsSyncing(err)
}

// Resync re-runs the stored sources.
func (c *Client) Resync(ctx context.Context, knowledgeID, accessToken string) error {
	err := c.do(ctx, http.MethodPost, "/api/v1/onedrive/sync/"+url.PathEscape(knowledgeID)+"/resync",
		map[string]string{"access_token": accessToken}, nil)
	return conflictAsSyncing(err)
}

// Status reads the session once.
func (c *Client) Status(ctx context.Context, knowledgeID string) (*model.SyncSession, error) {
	var s model.SyncSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/onedrive/sync/"+url.PathEscape(knowledgeID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Cancel requests cooperative cancellation.
func (c *Client) Cancel(ctx context.Context, knowledgeID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/onedrive/sync/"+url.PathEscape(knowledgeID)+"/cancel", nil, nil)
}

// RemoveSource deletes a source and its files.
func (c *Client) RemoveSource(ctx context.Context, knowledgeID, driveID, itemID string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	p := fmt.Sprintf("/api/v1/onedrive/sync/%s/sources/%s/%s", url.PathEscape(knowledgeID), url.PathEscape(driveID), url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodDelete, p, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// SyncedCollections lists the caller's synced knowledge bases.
func (c *Client) SyncedCollections(ctx context.Context) ([]syncer.SyncedCollection, error) {
	var out []syncer.SyncedCollection
	err := c.do(ctx, http.MethodGet, "/api/v1/onedrive/synced-collections", nil, &out)
	return out, err
}

// TokenStatus reads the held data-access token state.
func (c *Client) TokenStatus(ctx context.Context, knowledgeID string) (model.TokenStatus, error) {
	var out model.TokenStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/onedrive/auth/token-status/"+url.PathEscape(knowledgeID), nil, &out)
	return out, err
}

// Revoke deletes the held token.
func (c *Client) Revoke(ctx context.Context, knowledgeID string) (bool, error) {
	var out struct {
		Revoked bool `json:"revoked"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/onedrive/auth/revoke/"+url.PathEscape(knowledgeID), nil, &out)
	return out.Revoked, err
}

// InitiateURL is the address that starts out-of-band authorization.
func (c *Client) InitiateURL(knowledgeID, channelID string) string {
	q := url.Values{"knowledge_id": {knowledgeID}, "channel_id": {channelID}}
	return c.baseURL + "/api/v1/onedrive/auth/initiate?" + q.Encode()
}

// CreateKnowledge creates an empty knowledge base owned by the caller.
func (c *Client) CreateKnowledge(ctx context.Context, name, description string) (*model.KnowledgeBase, error) {
	var kb model.KnowledgeBase
	body := map[string]string{"name": name, "description": description}
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge", body, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// Knowledge fetches a knowledge base.
func (c *Client) Knowledge(ctx context.Context, knowledgeID string) (*model.KnowledgeBase, error) {
	var kb model.KnowledgeBase
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge/"+url.PathEscape(knowledgeID), nil, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// Files lists a knowledge base's files.
func (c *Client) Files(ctx context.Context, knowledgeID string) ([]model.FileRecord, error) {
	var out []model.FileRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/knowledge/"+url.PathEscape(knowledgeID)+"/files", nil, &out)
	return out, err
}

// Tree fetches the grouped folder view.
func (c *Client) Tree(ctx context.Context, knowledgeID string) (*tree.Tree, error) {
	var t tree.Tree
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge/"+url.PathEscape(knowledgeID)+"/tree", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateShare asks whether a sharing change is allowed.
func (c *Client) ValidateShare(ctx context.Context, req acl.ShareRequest) (*model.ShareValidationResult, error) {
	var out model.ShareValidationResult
	p := "/api/v1/knowledge/" + url.PathEscape(req.KnowledgeID) + "/access/validate"
	if err := c.do(ctx, http.MethodPost, p, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyShare commits a sharing change with the chosen action.
func (c *Client) ApplyShare(ctx context.Context, req acl.ShareRequest, action model.ShareAction) (*model.KnowledgeBase, error) {
	body := struct {
		acl.ShareRequest
		Action model.ShareAction `json:"action"`
	}{req, action}
	var kb model.KnowledgeBase
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge/"+url.PathEscape(req.KnowledgeID)+"/access", body, &kb); err != nil {
		return nil, err
	}
	return &kb, nil
}

// Events streams push notifications for one knowledge base. The channel is
// closed when the connection drops or ctx ends.
func (c *Client) Events(ctx context.Context, knowledgeID string) (<-chan model.Event, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	origin := u.Scheme + "://" + u.Host
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/events/ws"
	u.RawQuery = url.Values{"knowledge_id": {knowledgeID}}.Encode()

	header := c.headers()
	header.Set("Origin", origin)
	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	out := make(chan model.Event, 64)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[tracker] event stream closed: %v", err)
				}
				return
			}
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[tracker] skipping event: %v", err)
				continue
			}
			if ev.KnowledgeID() != knowledgeID {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		h.Set("X-User-ID", c.userID)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func conflictAsSyncing(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrAlreadySyncing, apiErr.Message)
	}
	return err
}
