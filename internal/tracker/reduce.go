// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package tracker follows a knowledge base's sync session from the client
// side, merging polled snapshots and pushed events into one state.
package tracker

import (
	"sort"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// State is the client's view of one session and the files it touched.
// Files is keyed by remote item id, or by file id for files without one.
type State struct {
	Session model.SyncSession
	Files   map[string]model.FileRecord
	// Warning is the last access_revoked notice, if any.
	Warning string
}

// NewState returns the state of a session that has just been started.
func NewState(knowledgeID string) State {
	return State{
		Session: model.SyncSession{KnowledgeID: knowledgeID, Status: model.StatusSyncing, FailedFiles: []model.FailedFile{}},
		Files:   map[string]model.FileRecord{},
	}
}

// SortedFiles returns the tracked files ordered by name, then id.
func (s State) SortedFiles() []model.FileRecord {
	out := make([]model.FileRecord, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply folds one event into the state. It is idempotent: applying an event
// twice, or polled snapshots and pushed progress in any interleaving, yields
// the same files and counters. Counters only move forward and a terminal
// status never changes. Events for other knowledge bases are ignored.
func Apply(s State, ev model.Event) State {
	if ev.KnowledgeID() != s.Session.KnowledgeID {
		return s
	}
	next := State{Session: s.Session, Files: make(map[string]model.FileRecord, len(s.Files)+1), Warning: s.Warning}
	for k, v := range s.Files {
		next.Files[k] = v
	}
	next.Session.FailedFiles = append([]model.FailedFile{}, s.Session.FailedFiles...)

	switch ev.Type {
	case model.EventSyncProgress:
		p := ev.Progress
		if p.Status == model.StatusAccessRevoked {
			msg := p.Error
			if p.Filename != "" {
				msg = p.Filename + ": " + msg
			}
			next.Warning = msg
			next.Session.ProgressCurrent = maxInt(next.Session.ProgressCurrent, p.Current)
			next.Session.ProgressTotal = maxInt(next.Session.ProgressTotal, p.Total)
			return next
		}
		mergeCounters(&next.Session, model.SyncSession{
			Status:          p.Status,
			ProgressCurrent: p.Current,
			ProgressTotal:   p.Total,
			Error:           p.Error,
			FailedFiles:     p.FailedFiles,
			FilesProcessed:  deref(p.FilesProcessed),
			FilesFailed:     deref(p.FilesFailed),
			DeletedCount:    deref(p.DeletedCount),
		})

	case model.EventSnapshot:
		snap := *ev.Snapshot
		if snap.Status == model.StatusIdle {
			// The server holds no session (yet); nothing to learn.
			return next
		}
		mergeCounters(&next.Session, snap)

	case model.EventFileProcessing:
		if next.Session.Status.IsTerminal() {
			return next
		}
		f := ev.Processing.File
		key := f.ItemID
		if existing, ok := next.Files[key]; ok {
			if existing.Meta.Size == 0 && f.Size > 0 {
				existing.Meta.Size = f.Size
				next.Files[key] = existing
			}
			return next
		}
		next.Files[key] = model.FileRecord{
			Name:   f.Name,
			Status: model.FileUploading,
			Meta: model.FileMeta{
				Source:       model.SourceKindOneDrive,
				SourceItemID: f.SourceItemID,
				RelativePath: f.RelativePath,
				Size:         f.Size,
				ItemID:       f.ItemID,
			},
		}

	case model.EventFileAdded:
		f := ev.Added.File
		key := f.Meta.ItemID
		if key == "" {
			key = f.ID
		}
		next.Files[key] = model.FileRecord{
			ID:        f.ID,
			Name:      f.Filename,
			Status:    model.FileUploaded,
			Meta:      f.Meta,
			AddedAt:   f.CreatedAt,
			UpdatedAt: f.UpdatedAt,
		}
	}

	if next.Session.Status.IsTerminal() {
		dropFailedUploads(&next)
	}
	return next
}

func mergeCounters(cur *model.SyncSession, in model.SyncSession) {
	cur.ProgressCurrent = maxInt(cur.ProgressCurrent, in.ProgressCurrent)
	cur.ProgressTotal = maxInt(cur.ProgressTotal, in.ProgressTotal)
	cur.FilesProcessed = maxInt(cur.FilesProcessed, in.FilesProcessed)
	cur.FilesFailed = maxInt(cur.FilesFailed, in.FilesFailed)
	cur.DeletedCount = maxInt(cur.DeletedCount, in.DeletedCount)
	cur.FailedFiles = unionFailed(cur.FailedFiles, in.FailedFiles)
	if in.StartedAt != nil && cur.StartedAt == nil {
		cur.StartedAt = in.StartedAt
	}
	if in.FinishedAt != nil {
		cur.FinishedAt = in.FinishedAt
	}

	if cur.Status.IsTerminal() {
		return
	}
	if in.Status != "" {
		cur.Status = in.Status
	}
	if in.Error != "" {
		cur.Error = in.Error
	}
}

// unionFailed merges failure lists keyed by item id, sorted so the order of
// arrival does not matter. Entries without an item id fall back to name and
// error type.
func unionFailed(a, b []model.FailedFile) []model.FailedFile {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]model.FailedFile, 0, len(a)+len(b))
	for _, list := range [][]model.FailedFile{a, b} {
		for _, f := range list {
			key := failedKey(f)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	return out
}

func failedKey(f model.FailedFile) string {
	if f.ItemID != "" {
		return "id:" + f.ItemID
	}
	return "name:" + f.Filename + "\x00" + string(f.ErrorType)
}

// dropFailedUploads removes placeholder records of files that failed, so
// errors do not linger as ghost entries.
func dropFailedUploads(s *State) {
	failedIDs := make(map[string]bool, len(s.Session.FailedFiles))
	failedNames := make(map[string]bool)
	for _, f := range s.Session.FailedFiles {
		if f.ItemID != "" {
			failedIDs[f.ItemID] = true
		} else {
			failedNames[f.Filename] = true
		}
	}
	for k, f := range s.Files {
		if f.Status != model.FileUploading {
			continue
		}
		if failedIDs[f.Meta.ItemID] || failedNames[f.Name] {
			delete(s.Files, k)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
