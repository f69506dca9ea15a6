// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package graphtest provides an in-memory Graph drive server for tests.
package graphtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/graph"
)

type node struct {
	item     graph.DriveItem
	parent   string
	content  []byte
	perms    []graph.Permission
	denied   bool
	delay    time.Duration
	listWait time.Duration
	children []string
}

// Server is a fake drive. All items live in one drive.
type Server struct {
	*httptest.Server

	DriveID string
	// PageSize bounds children pages so nextLink handling is exercised.
	PageSize int

	mu       sync.Mutex
	nodes    map[string]*node
	requests map[string]int
	throttle int
}

// NewServer starts a fake drive with a root folder "root".
func NewServer() *Server {
	s := &Server{
		DriveID:  "drive-1",
		PageSize: 2,
		nodes:    map[string]*node{},
		requests: map[string]int{},
	}
	s.nodes["root"] = &node{item: graph.DriveItem{ID: "root", Name: "root", Folder: &graph.FolderFacet{}}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /drives/{drive}/items/{item}", s.handleItem)
	mux.HandleFunc("GET /drives/{drive}/items/{item}/children", s.handleChildren)
	mux.HandleFunc("GET /drives/{drive}/items/{item}/content", s.handleContent)
	mux.HandleFunc("GET /drives/{drive}/items/{item}/permissions", s.handlePermissions)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddFolder creates a folder under parent.
func (s *Server) AddFolder(parent, id, name string) {
	s.add(parent, &node{item: graph.DriveItem{ID: id, Name: name, Folder: &graph.FolderFacet{}}})
}

// AddFile creates a file under parent.
func (s *Server) AddFile(parent, id, name string, content []byte) {
	s.add(parent, &node{
		item:    graph.DriveItem{ID: id, Name: name, Size: int64(len(content)), File: &graph.FileFacet{MimeType: "text/plain"}},
		content: content,
	})
}

func (s *Server) add(parent string, n *node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.parent = parent
	n.item.ParentReference = &graph.ItemReference{DriveID: s.DriveID, ID: parent}
	n.item.WebURL = "https://example.test/" + n.item.ID
	s.nodes[n.item.ID] = n
	if p, ok := s.nodes[parent]; ok {
		p.children = append(p.children, n.item.ID)
	}
}

// Remove deletes an item from its parent.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	delete(s.nodes, id)
	if p, ok := s.nodes[n.parent]; ok {
		kept := p.children[:0]
		for _, c := range p.children {
			if c != id {
				kept = append(kept, c)
			}
		}
		p.children = kept
	}
}

// SetContent replaces a file's bytes.
func (s *Server) SetContent(id string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.content = content
		n.item.Size = int64(len(content))
	}
}

// Deny makes every request for the item answer 403.
func (s *Server) Deny(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.denied = true
	}
}

// Delay holds the content response of an item for d.
func (s *Server) Delay(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.delay = d
	}
}

// DelayListing holds the children response of a folder for d.
func (s *Server) DelayListing(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.listWait = d
	}
}

// SetPermissions sets the permission list returned for an item.
func (s *Server) SetPermissions(id string, perms ...graph.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.perms = perms
	}
}

// Throttle makes the next n requests answer 429.
func (s *Server) Throttle(n int) {
	s.mu.Lock()
	s.throttle = n
	s.mu.Unlock()
}

// Requests returns how many times a path was requested.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// UserGrant builds a direct user permission.
func UserGrant(email string) graph.Permission {
	return graph.Permission{
		ID:          "perm-" + email,
		Roles:       []string{"read"},
		GrantedToV2: &graph.IdentitySet{User: &graph.Identity{Email: email}},
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*node, bool) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	if s.throttle > 0 {
		s.throttle--
		s.mu.Unlock()
		w.Header().Set("Retry-After", "0")
		writeError(w, http.StatusTooManyRequests, "activityLimitReached", "slow down")
		return nil, false
	}
	n, ok := s.nodes[r.PathValue("item")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound", "item not found")
		return nil, false
	}
	if n.denied {
		writeError(w, http.StatusForbidden, "accessDenied", "access denied")
		return nil, false
	}
	return n, true
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, n.item)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if n.listWait > 0 {
		select {
		case <-time.After(n.listWait):
		case <-r.Context().Done():
			return
		}
	}
	s.mu.Lock()
	ids := append([]string(nil), n.children...)
	items := make([]graph.DriveItem, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.nodes[id]; ok {
			items = append(items, c.item)
		}
	}
	pageSize := s.PageSize
	s.mu.Unlock()
	sort.SliceStable(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
	if pageSize <= 0 {
		pageSize = len(items)
	}
	end := skip + pageSize
	if end > len(items) {
		end = len(items)
	}
	resp := map[string]interface{}{"value": items[skip:end]}
	if end < len(items) {
		resp["@odata.nextLink"] = fmt.Sprintf("%s%s?$skip=%d", s.URL, r.URL.Path, end)
	}
	writeJSON(w, resp)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(n.content)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	perms := n.perms
	if perms == nil {
		perms = []graph.Permission{}
	}
	writeJSON(w, map[string]interface{}{"value": perms})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"code": code, "message": msg}})
}
