// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: syncer-v1-locked-sessions

// Package syncer runs sync sessions that import a knowledge base's external
// sources into local file records.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/blob"
	"github.com/hyper-ai-inc/kbsync/internal/events"
	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/lock"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
	"github.com/hyper-ai-inc/kbsync/internal/tree"
)

const syncerRevision = "syncer-v1-locked-sessions"

func init() {
	log.Printf("[syncer] REVISION: %s loaded at %s", syncerRevision, time.Now().Format(time.RFC3339))
}

var (
	ErrSyncInProgress = errors.New("a sync is already running for this knowledge base")
	ErrNotSyncing     = errors.New("no sync is running for this knowledge base")
	ErrNoItems        = errors.New("no items selected")
	ErrNoSources      = errors.New("knowledge base has no sources to resync")
	ErrNoToken        = errors.New("no data-access token available")
	ErrForbidden      = errors.New("knowledge base belongs to another user")
)

// Drive enumerates and downloads source items.
type Drive interface {
	Walk(ctx context.Context, token string, src model.Source) ([]graph.Entry, error)
	Download(ctx context.Context, token, driveID, itemID string) (io.ReadCloser, error)
}

// TokenProvider returns a data-access token held for a knowledge base.
type TokenProvider interface {
	AccessToken(ctx context.Context, knowledgeID string) (string, error)
}

// Options bound a session.
type Options struct {
	MaxFiles     int
	Parallelism  int
	FileTimeout  time.Duration
	MaxFileBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxFiles <= 0 {
		o.MaxFiles = 500
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.FileTimeout <= 0 {
		o.FileTimeout = 2 * time.Minute
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = 100 << 20
	}
	return o
}

// StartRequest submits a selection for sync.
type StartRequest struct {
	KnowledgeID string
	Items       []model.SyncItem
	// AccessToken is the caller's data-access token. When empty the token
	// held for the knowledge base is used.
	AccessToken string
	UserID      string
}

// SyncedCollection summarizes one externally sourced knowledge base.
type SyncedCollection struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	SyncInfo SyncInfo `json:"sync_info"`
}

// SyncInfo is the persisted sync record plus the live status, if any.
type SyncInfo struct {
	Sources    []model.Source   `json:"sources"`
	LastSyncAt *time.Time       `json:"last_sync_at,omitempty"`
	LastStatus model.SyncStatus `json:"last_status,omitempty"`
	Status     model.SyncStatus `json:"status"`
	FileCount  int              `json:"file_count"`
}

// run is the in-memory state of one session.
type run struct {
	mu        sync.Mutex
	session   model.SyncSession
	cancelled atomic.Bool
	done      chan struct{}
}

func (r *run) snapshot() *model.SyncSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	s.FailedFiles = append([]model.FailedFile{}, r.session.FailedFiles...)
	return &s
}

// Manager owns sync sessions. At most one session per knowledge base runs at
// a time, enforced by the Locker.
type Manager struct {
	store  store.Store
	drive  Drive
	sink   blob.Sink
	locker lock.Locker
	pub    events.Publisher
	tokens TokenProvider
	opts   Options

	mu   sync.Mutex
	runs map[string]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewManager creates a Manager. tokens may be nil when every request carries
// its own access token.
func NewManager(st store.Store, drive Drive, sink blob.Sink, locker lock.Locker, pub events.Publisher, tokens TokenProvider, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  st,
		drive:  drive,
		sink:   sink,
		locker: locker,
		pub:    pub,
		tokens: tokens,
		opts:   opts.withDefaults(),
		runs:   make(map[string]*run),
		ctx:    ctx,
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Close stops scheduling new files in every running session and waits for
// the workers to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func lockKey(knowledgeID string) string {
	return "sync:" + knowledgeID
}

// StartSync begins a session for the request's knowledge base. The selection
// is merged into the stored sources before any remote call.
func (m *Manager) StartSync(ctx context.Context, req StartRequest) (*model.SyncSession, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}
	kb, err := m.store.GetKnowledge(ctx, req.KnowledgeID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && kb.UserID != "" && kb.UserID != req.UserID {
		return nil, ErrForbidden
	}

	token := req.AccessToken
	if token == "" && m.tokens != nil {
		token, err = m.tokens.AccessToken(ctx, kb.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoToken, err)
		}
	}
	if token == "" {
		return nil, ErrNoToken
	}

	unlock, err := m.locker.TryLock(ctx, lockKey(kb.ID))
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}

	sources := make([]model.Source, 0, len(req.Items))
	for _, it := range req.Items {
		sources = append(sources, it.Source())
	}
	_, err = m.store.UpdateKnowledge(ctx, kb.ID, func(k *model.KnowledgeBase) error {
		k.SourceKind = model.SourceKindOneDrive
		k.Sources = model.MergeSources(k.Sources, sources)
		if k.Meta.Sync == nil {
			k.Meta.Sync = &model.SyncMeta{}
		}
		k.Meta.Sync.Sources = k.Sources
		k.Meta.Sync.LastStatus = model.StatusSyncing
		return nil
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to record sources: %w", err)
	}

	started := m.now()
	r := &run{
		session: model.SyncSession{
			KnowledgeID: kb.ID,
			Status:      model.StatusSyncing,
			FailedFiles: []model.FailedFile{},
			StartedAt:   &started,
		},
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.runs[kb.ID] = r
	m.mu.Unlock()

	log.Printf("[syncer] starting sync for %s: %d items", kb.ID, len(req.Items))
	m.publishProgress(r, "")

	m.wg.Add(1)
	go m.work(r, req.Items, token, unlock)
	return r.snapshot(), nil
}

// Resync re-derives the selection from the stored sources.
func (m *Manager) Resync(ctx context.Context, knowledgeID, accessToken, userID string) (*model.SyncSession, error) {
	kb, err := m.store.GetKnowledge(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	if len(kb.Sources) == 0 {
		return nil, ErrNoSources
	}
	return m.StartSync(ctx, StartRequest{
		KnowledgeID: knowledgeID,
		Items:       model.ItemsFromSources(kb.Sources),
		AccessToken: accessToken,
		UserID:      userID,
	})
}

// Status returns the current or most recent session, or an idle session when
// none has run in this process.
func (m *Manager) Status(ctx context.Context, knowledgeID string) (*model.SyncSession, error) {
	m.mu.Lock()
	r := m.runs[knowledgeID]
	m.mu.Unlock()
	if r != nil {
		return r.snapshot(), nil
	}
	if _, err := m.store.GetKnowledge(ctx, knowledgeID); err != nil {
		return nil, err
	}
	return model.IdleSession(knowledgeID), nil
}

// Cancel asks a running session to stop scheduling files. Downloads already
// in flight complete and synced files are kept.
func (m *Manager) Cancel(knowledgeID string) error {
	m.mu.Lock()
	r := m.runs[knowledgeID]
	m.mu.Unlock()
	if r == nil {
		return ErrNotSyncing
	}
	select {
	case <-r.done:
		return ErrNotSyncing
	default:
	}
	r.cancelled.Store(true)
	log.Printf("[syncer] cancel requested for %s", knowledgeID)
	return nil
}

// Wait blocks until the session for knowledgeID ends and returns its final
// state.
func (m *Manager) Wait(ctx context.Context, knowledgeID string) (*model.SyncSession, error) {
	m.mu.Lock()
	r := m.runs[knowledgeID]
	m.mu.Unlock()
	if r == nil {
		return nil, ErrNotSyncing
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return r.snapshot(), nil
	}
}

// RemoveSource stops tracking a source and deletes every file imported from
// it. It refuses while a session is running.
func (m *Manager) RemoveSource(ctx context.Context, knowledgeID, driveID, itemID string) (int, error) {
	unlock, err := m.locker.TryLock(ctx, lockKey(knowledgeID))
	if errors.Is(err, lock.ErrHeld) {
		return 0, ErrSyncInProgress
	}
	if err != nil {
		return 0, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer unlock()

	files, err := m.store.ListFiles(ctx, knowledgeID)
	if err != nil {
		return 0, err
	}
	doomed := tree.FilesForSource(files, itemID)

	found := false
	_, err = m.store.UpdateKnowledge(ctx, knowledgeID, func(k *model.KnowledgeBase) error {
		kept := k.Sources[:0]
		for _, s := range k.Sources {
			if s.ItemID == itemID && (driveID == "" || s.DriveID == driveID) {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		k.Sources = kept
		if k.Meta.Sync != nil {
			k.Meta.Sync.Sources = kept
			k.Meta.Sync.FileCount = len(files) - len(doomed)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found && len(doomed) == 0 {
		return 0, store.ErrNotFound
	}

	deleted, err := m.store.DeleteFilesBySource(ctx, knowledgeID, itemID)
	if err != nil {
		return 0, err
	}
	for _, f := range doomed {
		if err := m.sink.Delete(ctx, blob.Key(knowledgeID, f.ID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Printf("[syncer] failed to delete blob for %s: %v", f.ID, err)
		}
	}
	log.Printf("[syncer] removed source %s from %s: %d files deleted", itemID, knowledgeID, deleted)
	return deleted, nil
}

// SyncedCollections lists the user's externally sourced knowledge bases.
func (m *Manager) SyncedCollections(ctx context.Context, userID string) ([]SyncedCollection, error) {
	kbs, err := m.store.ListSyncedKnowledge(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SyncedCollection, 0, len(kbs))
	for _, kb := range kbs {
		info := SyncInfo{Sources: kb.Sources, FileCount: len(kb.FileIDs), Status: model.StatusIdle}
		if info.Sources == nil {
			info.Sources = []model.Source{}
		}
		if kb.Meta.Sync != nil {
			info.LastSyncAt = kb.Meta.Sync.LastSyncAt
			info.LastStatus = kb.Meta.Sync.LastStatus
		}
		m.mu.Lock()
		r := m.runs[kb.ID]
		m.mu.Unlock()
		if r != nil {
			info.Status = r.snapshot().Status
		}
		out = append(out, SyncedCollection{ID: kb.ID, Name: kb.Name, SyncInfo: info})
	}
	return out, nil
}

func (m *Manager) publishProgress(r *run, filename string) {
	s := r.snapshot()
	ev := &model.ProgressEvent{
		KnowledgeID: s.KnowledgeID,
		Status:      s.Status,
		Current:     s.ProgressCurrent,
		Total:       s.ProgressTotal,
		Filename:    filename,
		Error:       s.Error,
	}
	if s.Status.IsTerminal() {
		ev.FilesProcessed = model.IntPtr(s.FilesProcessed)
		ev.FilesFailed = model.IntPtr(s.FilesFailed)
		ev.DeletedCount = model.IntPtr(s.DeletedCount)
		ev.FailedFiles = s.FailedFiles
	}
	m.pub.Publish(model.Event{Type: model.EventSyncProgress, Progress: ev})
}
