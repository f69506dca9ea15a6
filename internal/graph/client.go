// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: graph-client-v1-drive-items

// Package graph is a minimal client for the drive endpoints of the Graph API:
// item metadata, children listing, content download and item permissions.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const graphClientRevision = "graph-client-v1-drive-items"

func init() {
	log.Printf("[graph] REVISION: %s loaded at %s", graphClientRevision, time.Now().Format(time.RFC3339))
}

// DefaultBaseURL is the public Graph endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const childrenPageSize = 200

// APIError is a non-2xx response from Graph.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph: unexpected status %d", e.StatusCode)
}

// IsAccessDenied reports whether err is a 401 or 403 from Graph.
func IsAccessDenied(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IsNotFound reports whether err is a 404 from Graph.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// DriveItem is the subset of driveItem fields this service reads.
type DriveItem struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Size            int64            `json:"size"`
	WebURL          string           `json:"webUrl,omitempty"`
	ETag            string           `json:"eTag,omitempty"`
	CTag            string           `json:"cTag,omitempty"`
	Folder          *FolderFacet     `json:"folder,omitempty"`
	File            *FileFacet       `json:"file,omitempty"`
	Package         *PackageFacet    `json:"package,omitempty"`
	ParentReference *ItemReference   `json:"parentReference,omitempty"`
	RemoteItem      *DriveItem       `json:"remoteItem,omitempty"`
	Deleted         *json.RawMessage `json:"deleted,omitempty"`
	DownloadURL     string           `json:"@microsoft.graph.downloadUrl,omitempty"`
}

// IsFolder reports whether the item (or the item it points at) has children.
func (it *DriveItem) IsFolder() bool {
	if it.RemoteItem != nil {
		return it.RemoteItem.IsFolder()
	}
	return it.Folder != nil || it.Package != nil
}

// FolderFacet marks a folder.
type FolderFacet struct {
	ChildCount int `json:"childCount"`
}

// FileFacet marks a file.
type FileFacet struct {
	MimeType string            `json:"mimeType,omitempty"`
	Hashes   map[string]string `json:"hashes,omitempty"`
}

// PackageFacet marks a OneNote notebook or similar bundle.
type PackageFacet struct {
	Type string `json:"type"`
}

// ItemReference points at a parent item.
type ItemReference struct {
	DriveID       string         `json:"driveId,omitempty"`
	DriveType     string         `json:"driveType,omitempty"`
	ID            string         `json:"id,omitempty"`
	Path          string         `json:"path,omitempty"`
	SharepointIDs *SharepointIDs `json:"sharepointIds,omitempty"`
}

// SharepointIDs identifies an item in a SharePoint site.
type SharepointIDs struct {
	ListID     string `json:"listId,omitempty"`
	ListItemID string `json:"listItemId,omitempty"`
	SiteID     string `json:"siteId,omitempty"`
	SiteURL    string `json:"siteUrl,omitempty"`
	WebID      string `json:"webId,omitempty"`
}

// Identity is a user, application or device in a permission grant.
type Identity struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// IdentitySet groups the identity kinds Graph may return.
type IdentitySet struct {
	User  *Identity `json:"user,omitempty"`
	Group *Identity `json:"group,omitempty"`
}

// SharingLink is the link facet of a permission.
type SharingLink struct {
	Type   string `json:"type,omitempty"`
	Scope  string `json:"scope,omitempty"`
	WebURL string `json:"webUrl,omitempty"`
}

// Permission is one entry of an item's permission list.
type Permission struct {
	ID                    string        `json:"id"`
	Roles                 []string      `json:"roles"`
	GrantedToV2           *IdentitySet  `json:"grantedToV2,omitempty"`
	GrantedToIdentitiesV2 []IdentitySet `json:"grantedToIdentitiesV2,omitempty"`
	Link                  *SharingLink  `json:"link,omitempty"`
}

// Link scopes.
const (
	LinkScopeAnonymous    = "anonymous"
	LinkScopeOrganization = "organization"
)

// Grantees returns the user ids and emails the permission names.
func (p Permission) Grantees() []Identity {
	var out []Identity
	add := func(set *IdentitySet) {
		if set != nil && set.User != nil {
			out = append(out, *set.User)
		}
	}
	add(p.GrantedToV2)
	for i := range p.GrantedToIdentitiesV2 {
		add(&p.GrantedToIdentitiesV2[i])
	}
	return out
}

type collection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to Graph with a caller-supplied bearer token per call.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Throttle backoff. Graph answers 429/503 with Retry-After.
	backoffMu    sync.Mutex
	backoffLevel int
	retryDelays  []time.Duration
	maxRetries   int
}

// NewClient creates a Graph client. An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		retryDelays: []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		maxRetries:  3,
	}
}

// GetItem fetches one drive item.
func (c *Client) GetItem(ctx context.Context, token, driveID, itemID string) (*DriveItem, error) {
	var item DriveItem
	if err := c.getJSON(ctx, token, c.itemURL(driveID, itemID, ""), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListChildren returns every child of a folder, following @odata.nextLink.
func (c *Client) ListChildren(ctx context.Context, token, driveID, itemID string) ([]DriveItem, error) {
	next := c.itemURL(driveID, itemID, "/children") + "?$top=" + strconv.Itoa(childrenPageSize)
	var out []DriveItem
	for next != "" {
		var page collection[DriveItem]
		if err := c.getJSON(ctx, token, next, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

// ListPermissions returns the permission entries of an item.
func (c *Client) ListPermissions(ctx context.Context, token, driveID, itemID string) ([]Permission, error) {
	next := c.itemURL(driveID, itemID, "/permissions")
	var out []Permission
	for next != "" {
		var page collection[Permission]
		if err := c.getJSON(ctx, token, next, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}

// Download opens the content stream of a file item. The caller closes it.
func (c *Client) Download(ctx context.Context, token, driveID, itemID string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, token, c.itemURL(driveID, itemID, "/content"))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) itemURL(driveID, itemID, suffix string) string {
	if driveID == "" {
		return fmt.Sprintf("%s/me/drive/items/%s%s", c.baseURL, url.PathEscape(itemID), suffix)
	}
	return fmt.Sprintf("%s/drives/%s/items/%s%s", c.baseURL, url.PathEscape(driveID), url.PathEscape(itemID), suffix)
}

func (c *Client) getJSON(ctx context.Context, token, u string, out interface{}) error {
	resp, err := c.do(ctx, token, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do issues a GET and returns the response on 2xx. Throttled responses are
// retried with increasing delay; anything else non-2xx becomes *APIError.
func (c *Client) do(ctx context.Context, token, u string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.resetBackoff()
			return resp, nil
		}

		throttled := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
		if throttled && attempt < c.maxRetries {
			wait := c.increaseBackoff(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			log.Printf("[graph] throttled (%d), retrying in %v", resp.StatusCode, wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body errorBody
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body) == nil {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
		resp.Body.Close()
		return nil, apiErr
	}
}

func (c *Client) increaseBackoff(retryAfter string) time.Duration {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()
	if c.backoffLevel < len(c.retryDelays)-1 {
		c.backoffLevel++
	}
	wait := c.retryDelays[c.backoffLevel]
	if secs, err := strconv.Atoi(retryAfter); err == nil {
		if d := time.Duration(secs) * time.Second; d > wait {
			wait = d
		}
	}
	return wait
}

func (c *Client) resetBackoff() {
	c.backoffMu.Lock()
	c.backoffLevel = 0
	c.backoffMu.Unlock()
}
