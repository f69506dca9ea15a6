// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package model defines the knowledge base, sync and sharing types shared by
// every other package.
package model

import "time"

// SourceKindLocal marks a knowledge base whose files were uploaded directly.
const SourceKindLocal = "local"

// SourceKindOneDrive marks a knowledge base fed from a OneDrive/SharePoint drive.
const SourceKindOneDrive = "onedrive"

// KnowledgeBase is a named collection of documents.
type KnowledgeBase struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	SourceKind    string         `json:"source_kind"`
	Sources       []Source       `json:"sources"`
	FileIDs       []string       `json:"file_ids"`
	AccessControl *AccessControl `json:"access_control"` // nil = public
	WriteAccess   bool           `json:"write_access"`
	Meta          KBMeta         `json:"meta"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IsExternal reports whether the knowledge base is fed from an external source.
func (kb *KnowledgeBase) IsExternal() bool {
	return kb.SourceKind != "" && kb.SourceKind != SourceKindLocal
}

// HasSource reports whether itemID is one of the tracked sources.
func (kb *KnowledgeBase) HasSource(itemID string) bool {
	for _, s := range kb.Sources {
		if s.ItemID == itemID {
			return true
		}
	}
	return false
}

// KBMeta is the free-form metadata blob stored with a knowledge base.
type KBMeta struct {
	Sync *SyncMeta `json:"sync,omitempty"`
}

// SyncMeta is the persisted sync record: the resync source of truth.
type SyncMeta struct {
	Sources     []Source   `json:"sources"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastStatus  SyncStatus `json:"last_status,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	FileCount   int        `json:"file_count"`
	AccountType string     `json:"account_type,omitempty"`
}

// AccessControl scopes read and write grants. A nil *AccessControl means public.
type AccessControl struct {
	Read  ReadGrant  `json:"read"`
	Write WriteGrant `json:"write"`
}

// ReadGrant lists who may read.
type ReadGrant struct {
	UserIDs  []string `json:"user_ids"`
	GroupIDs []string `json:"group_ids"`
}

// WriteGrant lists the groups that may write.
type WriteGrant struct {
	GroupIDs []string `json:"group_ids"`
}

// SourceType is either a single file or a folder subtree.
type SourceType string

const (
	SourceTypeFile   SourceType = "file"
	SourceTypeFolder SourceType = "folder"
)

// Source is a tracked file or folder inside the external drive.
type Source struct {
	Type     SourceType `json:"type"`
	DriveID  string     `json:"drive_id"`
	ItemID   string     `json:"item_id"`
	ItemPath string     `json:"item_path"`
	Name     string     `json:"name"`
}

// Key returns the uniqueness key of a source within a knowledge base.
func (s Source) Key() string {
	return s.DriveID + "/" + s.ItemID
}

// MergeSources appends incoming sources to existing ones, replacing entries
// with the same (drive, item) key in place. Order of first appearance wins.
func MergeSources(existing, incoming []Source) []Source {
	out := make([]Source, 0, len(existing)+len(incoming))
	idx := make(map[string]int, len(existing)+len(incoming))
	for _, list := range [][]Source{existing, incoming} {
		for _, s := range list {
			if i, ok := idx[s.Key()]; ok {
				out[i] = s
				continue
			}
			idx[s.Key()] = len(out)
			out = append(out, s)
		}
	}
	return out
}

// FileStatus is the lifecycle state of a FileRecord.
type FileStatus string

const (
	FileUploading FileStatus = "uploading"
	FileUploaded  FileStatus = "uploaded"
	FileError     FileStatus = "error"
)

// FileRecord is the local projection of a synced or uploaded document.
type FileRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    FileStatus `json:"status"`
	Meta      FileMeta   `json:"meta"`
	AddedAt   time.Time  `json:"added_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FileMeta carries provenance of a file.
type FileMeta struct {
	Source       string `json:"source"`
	SourceItemID string `json:"source_item_id,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
	Size         int64  `json:"size"`
	DriveID      string `json:"drive_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	WebURL       string `json:"web_url,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
}

// IsExternal reports whether the file came from an external source.
func (f FileRecord) IsExternal() bool {
	return f.Meta.Source != "" && f.Meta.Source != SourceKindLocal
}
