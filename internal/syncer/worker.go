// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package syncer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/hyper-ai-inc/kbsync/internal/blob"
	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

// task is one remote file scheduled for processing.
type task struct {
	entry        graph.Entry
	sourceItemID string
}

// fileFailure is a classified per-file error.
type fileFailure struct {
	kind model.ErrorType
	err  error
}

func (f *fileFailure) Error() string { return f.err.Error() }

func (m *Manager) work(r *run, items []model.SyncItem, token string, unlock func()) {
	defer m.wg.Done()
	defer unlock()
	defer close(r.done)

	ctx := m.ctx
	kbID := r.session.KnowledgeID

	tasks, err := m.enumerate(ctx, token, items)
	if err != nil {
		msg := err.Error()
		if graph.IsAccessDenied(err) {
			msg = "access to the source was denied: " + msg
		}
		log.Printf("[syncer] enumeration failed for %s: %v", kbID, err)
		m.finish(r, model.StatusFailed, msg)
		return
	}

	r.mu.Lock()
	r.session.ProgressTotal = len(tasks)
	r.mu.Unlock()
	log.Printf("[syncer] %s: %d remote files under %d sources", kbID, len(tasks), len(items))

	if r.cancelled.Load() || ctx.Err() != nil {
		m.finish(r, model.StatusCancelled, "")
		return
	}
	deleted := m.pruneMissing(ctx, kbID, items, tasks)
	r.mu.Lock()
	r.session.DeletedCount = deleted
	r.mu.Unlock()

	limitHit := false
	if len(tasks) > m.opts.MaxFiles {
		limitHit = true
		tasks = tasks[:m.opts.MaxFiles]
	}
	m.publishProgress(r, "")

	var g errgroup.Group
	g.SetLimit(m.opts.Parallelism)
	for _, t := range tasks {
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m.processFile(ctx, r, token, t)
			return nil
		})
	}
	g.Wait()

	switch {
	case r.cancelled.Load() || ctx.Err() != nil:
		m.finish(r, model.StatusCancelled, "")
	case limitHit:
		m.finish(r, model.StatusFileLimitExceeded,
			fmt.Sprintf("selection contains more than %d files; only the first %d were synced", m.opts.MaxFiles, m.opts.MaxFiles))
	default:
		r.mu.Lock()
		failed := r.session.FilesFailed
		r.mu.Unlock()
		if failed > 0 {
			m.finish(r, model.StatusCompletedWithErrors, "")
		} else {
			m.finish(r, model.StatusCompleted, "")
		}
	}
}

// enumerate walks every item and returns one task per distinct remote file.
// A file reachable from two sources is attributed to the first.
func (m *Manager) enumerate(ctx context.Context, token string, items []model.SyncItem) ([]task, error) {
	var tasks []task
	seen := make(map[string]bool)
	for _, it := range items {
		entries, err := m.drive.Walk(ctx, token, it.Source())
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", it.Name, err)
		}
		for _, e := range entries {
			if seen[e.Item.ID] {
				continue
			}
			seen[e.Item.ID] = true
			tasks = append(tasks, task{entry: e, sourceItemID: it.ItemID})
		}
	}
	return tasks, nil
}

// pruneMissing deletes local files of the synced sources whose remote item
// no longer exists.
func (m *Manager) pruneMissing(ctx context.Context, kbID string, items []model.SyncItem, tasks []task) int {
	files, err := m.store.ListFiles(ctx, kbID)
	if err != nil {
		log.Printf("[syncer] failed to list files for %s: %v", kbID, err)
		return 0
	}
	synced := make(map[string]bool, len(items))
	for _, it := range items {
		synced[it.ItemID] = true
	}
	remote := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		remote[t.entry.Item.ID] = true
	}

	deleted := 0
	for _, f := range files {
		if !f.IsExternal() || !synced[f.Meta.SourceItemID] || remote[f.Meta.ItemID] {
			continue
		}
		if err := m.store.DeleteFile(ctx, kbID, f.ID); err != nil {
			log.Printf("[syncer] failed to delete %s: %v", f.Name, err)
			continue
		}
		if err := m.sink.Delete(ctx, blob.Key(kbID, f.ID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Printf("[syncer] failed to delete blob for %s: %v", f.Name, err)
		}
		deleted++
	}
	return deleted
}

func (m *Manager) processFile(ctx context.Context, r *run, token string, t task) {
	kbID := r.session.KnowledgeID
	item := t.entry.Item

	prev, err := m.store.GetFileByItem(ctx, kbID, item.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.recordFailure(r, item, &fileFailure{kind: model.ErrorProcessingError, err: err})
		return
	}

	now := m.now()
	rec := &model.FileRecord{Name: item.Name, Status: model.FileUploading, AddedAt: now, UpdatedAt: now}
	if prev != nil {
		cp := *prev
		rec = &cp
		rec.Name = item.Name
	}
	rec.Meta.Source = model.SourceKindOneDrive
	rec.Meta.SourceItemID = t.sourceItemID
	rec.Meta.RelativePath = t.entry.RelativePath
	rec.Meta.DriveID = t.entry.DriveID
	rec.Meta.ItemID = item.ID
	rec.Meta.WebURL = item.WebURL
	if item.File != nil {
		rec.Meta.ContentType = item.File.MimeType
	}
	if prev == nil {
		rec.Meta.Size = item.Size
		if err := m.store.UpsertFile(ctx, kbID, rec); err != nil {
			m.recordFailure(r, item, &fileFailure{kind: model.ErrorProcessingError, err: err})
			return
		}
	}

	m.pub.Publish(model.Event{Type: model.EventFileProcessing, Processing: &model.FileProcessingEvent{
		KnowledgeID: kbID,
		File: model.ProcessingFile{
			ItemID:       item.ID,
			Name:         item.Name,
			Size:         item.Size,
			SourceItemID: t.sourceItemID,
			RelativePath: t.entry.RelativePath,
		},
	}})

	changed, ferr := m.transfer(ctx, r, token, t, rec)
	if ferr != nil {
		m.rollback(ctx, kbID, rec, prev)
		m.recordFailure(r, item, ferr)
		return
	}

	rec.Status = model.FileUploaded
	rec.UpdatedAt = m.now()
	if err := m.store.UpsertFile(ctx, kbID, rec); err != nil {
		m.rollback(ctx, kbID, rec, prev)
		m.recordFailure(r, item, &fileFailure{kind: model.ErrorProcessingError, err: err})
		return
	}
	if !changed {
		log.Printf("[syncer] %s unchanged, content not rewritten", item.Name)
	}
	// Announced even when unchanged so the client's placeholder settles.
	m.pub.Publish(model.Event{Type: model.EventFileAdded, Added: &model.FileAddedEvent{
		KnowledgeID: kbID,
		File: model.AddedFile{
			ID:        rec.ID,
			Filename:  rec.Name,
			Meta:      rec.Meta,
			CreatedAt: rec.AddedAt,
			UpdatedAt: rec.UpdatedAt,
		},
	}})
	m.recordSuccess(r, item.Name)
}

// transfer downloads the item and hands it to the sink. It reports whether
// the stored content changed; unchanged content is not rewritten.
func (m *Manager) transfer(ctx context.Context, r *run, token string, t task, rec *model.FileRecord) (bool, *fileFailure) {
	fctx, cancel := context.WithTimeout(ctx, m.opts.FileTimeout)
	defer cancel()

	data, err := m.download(fctx, token, t.entry)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded):
			return false, &fileFailure{kind: model.ErrorTimeout, err: fmt.Errorf("download timed out after %v", m.opts.FileTimeout)}
		case graph.IsAccessDenied(err):
			m.warnAccessRevoked(r, t.entry.Item.Name)
			return false, &fileFailure{kind: model.ErrorDownloadError, err: err}
		case errors.Is(err, errTooLarge):
			return false, &fileFailure{kind: model.ErrorProcessingError, err: err}
		default:
			return false, &fileFailure{kind: model.ErrorDownloadError, err: err}
		}
	}
	if len(data) == 0 {
		return false, &fileFailure{kind: model.ErrorEmptyContent, err: errors.New("file has no content")}
	}

	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if rec.Status == model.FileUploaded && rec.Meta.ContentHash == hash {
		return false, nil
	}

	key := blob.Key(r.session.KnowledgeID, rec.ID)
	if err := m.sink.Put(fctx, key, bytes.NewReader(data), int64(len(data)), rec.Meta.ContentType); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, &fileFailure{kind: model.ErrorTimeout, err: err}
		}
		return false, &fileFailure{kind: model.ErrorProcessingError, err: err}
	}
	rec.Meta.ContentHash = hash
	rec.Meta.Size = int64(len(data))
	return true, nil
}

var errTooLarge = errors.New("file exceeds the maximum size")

func (m *Manager) download(ctx context.Context, token string, e graph.Entry) ([]byte, error) {
	if e.Item.Size > m.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", errTooLarge, e.Item.Size)
	}
	rc, err := m.drive.Download(ctx, token, e.DriveID, e.Item.ID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, m.opts.MaxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > m.opts.MaxFileBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, m.opts.MaxFileBytes)
	}
	return data, nil
}

// rollback removes a record created for this session, or restores the
// previous version of an existing one.
func (m *Manager) rollback(ctx context.Context, kbID string, rec, prev *model.FileRecord) {
	var err error
	if prev == nil {
		err = m.store.DeleteFile(ctx, kbID, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
	} else {
		err = m.store.UpsertFile(ctx, kbID, prev)
	}
	if err != nil {
		log.Printf("[syncer] failed to roll back %s: %v", rec.Name, err)
	}
}

func (m *Manager) warnAccessRevoked(r *run, filename string) {
	s := r.snapshot()
	log.Printf("[syncer] access revoked for %s in %s", filename, s.KnowledgeID)
	m.pub.Publish(model.Event{Type: model.EventSyncProgress, Progress: &model.ProgressEvent{
		KnowledgeID: s.KnowledgeID,
		Status:      model.StatusAccessRevoked,
		Current:     s.ProgressCurrent,
		Total:       s.ProgressTotal,
		Filename:    filename,
		Error:       "access to this file was revoked",
	}})
}

func (m *Manager) recordSuccess(r *run, filename string) {
	r.mu.Lock()
	r.session.ProgressCurrent++
	r.session.FilesProcessed++
	r.mu.Unlock()
	m.publishProgress(r, filename)
}

func (m *Manager) recordFailure(r *run, item graph.DriveItem, f *fileFailure) {
	filename := item.Name
	log.Printf("[syncer] %s failed (%s): %v", filename, f.kind, f.err)
	r.mu.Lock()
	r.session.ProgressCurrent++
	r.session.FilesFailed++
	r.session.FailedFiles = append(r.session.FailedFiles, model.FailedFile{
		Filename:     filename,
		ItemID:       item.ID,
		ErrorType:    f.kind,
		ErrorMessage: f.err.Error(),
	})
	r.mu.Unlock()
	m.publishProgress(r, filename)
}

// finish records the terminal state, persists the sync record and
// publishes the final progress event. The lock is released by the caller.
func (m *Manager) finish(r *run, status model.SyncStatus, errMsg string) {
	finished := m.now()
	r.mu.Lock()
	r.session.Status = status
	r.session.Error = errMsg
	r.session.FinishedAt = &finished
	kbID := r.session.KnowledgeID
	r.mu.Unlock()

	// The manager context may already be cancelled on shutdown.
	ctx := context.WithoutCancel(m.ctx)
	files, err := m.store.ListFiles(ctx, kbID)
	if err != nil {
		log.Printf("[syncer] failed to count files for %s: %v", kbID, err)
	}
	_, err = m.store.UpdateKnowledge(ctx, kbID, func(k *model.KnowledgeBase) error {
		if k.Meta.Sync == nil {
			k.Meta.Sync = &model.SyncMeta{Sources: k.Sources}
		}
		k.Meta.Sync.LastSyncAt = &finished
		k.Meta.Sync.LastStatus = status
		k.Meta.Sync.LastError = errMsg
		k.Meta.Sync.FileCount = len(files)
		return nil
	})
	if err != nil {
		log.Printf("[syncer] failed to record sync result for %s: %v", kbID, err)
	}

	s := r.snapshot()
	log.Printf("[syncer] sync for %s finished: %s (%d processed, %d failed, %d deleted)",
		kbID, status, s.FilesProcessed, s.FilesFailed, s.DeletedCount)
	m.publishProgress(r, "")
}
