// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is the state of a sync session.
type SyncStatus string

const (
	StatusIdle                SyncStatus = "idle"
	StatusSyncing             SyncStatus = "syncing"
	StatusCompleted           SyncStatus = "completed"
	StatusCompletedWithErrors SyncStatus = "completed_with_errors"
	StatusFailed              SyncStatus = "failed"
	StatusCancelled           SyncStatus = "cancelled"
	StatusFileLimitExceeded   SyncStatus = "file_limit_exceeded"
	// StatusAccessRevoked is reported mid-session when the source stops
	// granting access to an item. The session keeps running.
	StatusAccessRevoked SyncStatus = "access_revoked"
)

// IsTerminal reports whether no further progress follows this status.
// access_revoked is not terminal.
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled, StatusFileLimitExceeded:
		return true
	}
	return false
}

// ErrorType classifies a per-file failure.
type ErrorType string

const (
	ErrorTimeout         ErrorType = "timeout"
	ErrorEmptyContent    ErrorType = "empty_content"
	ErrorProcessingError ErrorType = "processing_error"
	ErrorDownloadError   ErrorType = "download_error"
)

// FailedFile is a per-file failure reported with the session.
type FailedFile struct {
	Filename string `json:"filename"`
	// ItemID identifies the failed item; names repeat across folders.
	ItemID       string    `json:"item_id,omitempty"`
	ErrorType    ErrorType `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
}

// SyncSession is the live state of one knowledge base's sync.
type SyncSession struct {
	KnowledgeID     string       `json:"knowledge_id"`
	Status          SyncStatus   `json:"status"`
	ProgressCurrent int          `json:"progress_current"`
	ProgressTotal   int          `json:"progress_total"`
	Error           string       `json:"error,omitempty"`
	FailedFiles     []FailedFile `json:"failed_files"`
	FilesProcessed  int          `json:"files_processed"`
	FilesFailed     int          `json:"files_failed"`
	DeletedCount    int          `json:"deleted_count"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// IdleSession returns the session reported when nothing has run yet.
func IdleSession(knowledgeID string) *SyncSession {
	return &SyncSession{KnowledgeID: knowledgeID, Status: StatusIdle, FailedFiles: []FailedFile{}}
}

// SyncItem is one picked entry submitted for sync.
type SyncItem struct {
	Type     SourceType `json:"type"`
	DriveID  string     `json:"drive_id"`
	ItemID   string     `json:"item_id"`
	ItemPath string     `json:"item_path"`
	Name     string     `json:"name"`
}

// Source converts the picked item into a tracked source.
func (i SyncItem) Source() Source {
	return Source{Type: i.Type, DriveID: i.DriveID, ItemID: i.ItemID, ItemPath: i.ItemPath, Name: i.Name}
}

// ItemsFromSources re-derives a selection from stored sources.
func ItemsFromSources(sources []Source) []SyncItem {
	items := make([]SyncItem, 0, len(sources))
	for _, s := range sources {
		items = append(items, SyncItem{Type: s.Type, DriveID: s.DriveID, ItemID: s.ItemID, ItemPath: s.ItemPath, Name: s.Name})
	}
	return items
}

// EventType names a push notification.
type EventType string

const (
	EventSyncProgress   EventType = "sync:progress"
	EventFileProcessing EventType = "file:processing"
	EventFileAdded      EventType = "file:added"
	// EventSnapshot carries a polled SyncSession through the same reducer
	// as push events. It never goes over the wire.
	EventSnapshot EventType = "sync:snapshot"
	// EventAuthCallback reports the outcome of an out-of-band authorization.
	EventAuthCallback EventType = "auth:callback"
)

// ProgressEvent is the payload of sync:progress.
type ProgressEvent struct {
	KnowledgeID    string       `json:"knowledge_id"`
	Status         SyncStatus   `json:"status"`
	Current        int          `json:"current"`
	Total          int          `json:"total"`
	Filename       string       `json:"filename"`
	Error          string       `json:"error,omitempty"`
	FilesProcessed *int         `json:"files_processed,omitempty"`
	FilesFailed    *int         `json:"files_failed,omitempty"`
	DeletedCount   *int         `json:"deleted_count,omitempty"`
	FailedFiles    []FailedFile `json:"failed_files,omitempty"`
}

// ProcessingFile describes a remote item that started processing.
type ProcessingFile struct {
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	Size         int64  `json:"size,omitempty"`
	SourceItemID string `json:"source_item_id,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
}

// FileProcessingEvent is the payload of file:processing.
type FileProcessingEvent struct {
	KnowledgeID string         `json:"knowledge_id"`
	File        ProcessingFile `json:"file"`
}

// AddedFile is the file entry carried by file:added.
type AddedFile struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Meta      FileMeta  `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileAddedEvent is the payload of file:added.
type FileAddedEvent struct {
	KnowledgeID string    `json:"knowledge_id"`
	File        AddedFile `json:"file"`
}

// AuthCallbackEvent is the payload of auth:callback.
type AuthCallbackEvent struct {
	KnowledgeID string `json:"knowledge_id"`
	ChannelID   string `json:"channel_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Event is one push notification (or a polled snapshot). Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	Type       EventType
	Progress   *ProgressEvent
	Processing *FileProcessingEvent
	Added      *FileAddedEvent
	Snapshot   *SyncSession
	Auth       *AuthCallbackEvent
}

// KnowledgeID returns the knowledge base the event refers to.
func (e Event) KnowledgeID() string {
	switch {
	case e.Progress != nil:
		return e.Progress.KnowledgeID
	case e.Processing != nil:
		return e.Processing.KnowledgeID
	case e.Added != nil:
		return e.Added.KnowledgeID
	case e.Snapshot != nil:
		return e.Snapshot.KnowledgeID
	case e.Auth != nil:
		return e.Auth.KnowledgeID
	}
	return ""
}

type envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"event": type, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case EventSyncProgress:
		payload = e.Progress
	case EventFileProcessing:
		payload = e.Processing
	case EventFileAdded:
		payload = e.Added
	case EventSnapshot:
		payload = e.Snapshot
	case EventAuthCallback:
		payload = e.Auth
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: e.Type, Data: data})
}

// UnmarshalJSON decodes the envelope produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	out := Event{Type: env.Event}
	var target interface{}
	switch env.Event {
	case EventSyncProgress:
		out.Progress = &ProgressEvent{}
		target = out.Progress
	case EventFileProcessing:
		out.Processing = &FileProcessingEvent{}
		target = out.Processing
	case EventFileAdded:
		out.Added = &FileAddedEvent{}
		target = out.Added
	case EventSnapshot:
		out.Snapshot = &SyncSession{}
		target = out.Snapshot
	case EventAuthCallback:
		out.Auth = &AuthCallbackEvent{}
		target = out.Auth
	default:
		return fmt.Errorf("unknown event type %q", env.Event)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("decode %s: %w", env.Event, err)
	}
	*e = out
	return nil
}

// IntPtr is a convenience for the optional counters of ProgressEvent.
func IntPtr(v int) *int { return &v }
