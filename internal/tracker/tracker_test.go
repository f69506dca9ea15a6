// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tracker

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/events"
	"github.com/hyper-ai-inc/kbsync/internal/model"
)

const kb = "kb-1"

func progress(status model.SyncStatus, cur, total int) model.Event {
	return model.Event{Type: model.EventSyncProgress, Progress: &model.ProgressEvent{
		KnowledgeID: kb, Status: status, Current: cur, Total: total,
	}}
}

func processing(item, name string) model.Event {
	return model.Event{Type: model.EventFileProcessing, Processing: &model.FileProcessingEvent{
		KnowledgeID: kb, File: model.ProcessingFile{ItemID: item, Name: name, SourceItemID: "docs"},
	}}
}

func added(id, item, name string) model.Event {
	return model.Event{Type: model.EventFileAdded, Added: &model.FileAddedEvent{
		KnowledgeID: kb, File: model.AddedFile{ID: id, Filename: name, Meta: model.FileMeta{
			Source: model.SourceKindOneDrive, ItemID: item, SourceItemID: "docs",
		}},
	}}
}

func terminal() model.Event {
	return model.Event{Type: model.EventSyncProgress, Progress: &model.ProgressEvent{
		KnowledgeID: kb, Status: model.StatusCompletedWithErrors, Current: 3, Total: 3,
		FilesProcessed: model.IntPtr(2), FilesFailed: model.IntPtr(1), DeletedCount: model.IntPtr(0),
		FailedFiles: []model.FailedFile{{Filename: "b.txt", ErrorType: model.ErrorTimeout, ErrorMessage: "timed out"}},
	}}
}

func sessionEvents() []model.Event {
	return []model.Event{
		progress(model.StatusSyncing, 0, 3),
		processing("a", "a.txt"),
		processing("b", "b.txt"),
		added("f1", "a", "a.txt"),
		progress(model.StatusSyncing, 1, 3),
		processing("c", "c.txt"),
		progress(model.StatusSyncing, 2, 3),
		added("f3", "c", "c.txt"),
		progress(model.StatusSyncing, 3, 3),
	}
}

func fold(evs []model.Event) State {
	st := NewState(kb)
	for _, ev := range evs {
		st = Apply(st, ev)
	}
	return st
}

func TestApplyIdempotentUnderShuffleAndDuplication(t *testing.T) {
	base := sessionEvents()
	want := fold(append(append([]model.Event{}, base...), terminal()))

	if want.Session.Status != model.StatusCompletedWithErrors || want.Session.FilesProcessed != 2 {
		t.Fatalf("unexpected baseline: %+v", want.Session)
	}
	if len(want.Files) != 2 {
		t.Fatalf("expected the failed placeholder dropped, got %+v", want.Files)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		evs := append([]model.Event{}, base...)
		// Duplicate a few events, then shuffle everything before the terminal.
		for j := 0; j < 4; j++ {
			evs = append(evs, evs[rng.Intn(len(evs))])
		}
		rng.Shuffle(len(evs), func(a, b int) { evs[a], evs[b] = evs[b], evs[a] })
		evs = append(evs, terminal(), terminal())

		got := fold(evs)
		if !reflect.DeepEqual(got.Session, want.Session) {
			t.Fatalf("run %d: session differs:\n got %+v\nwant %+v", i, got.Session, want.Session)
		}
		if !reflect.DeepEqual(got.Files, want.Files) {
			t.Fatalf("run %d: files differ:\n got %+v\nwant %+v", i, got.Files, want.Files)
		}
	}
}

func TestApplyUpgradesPlaceholderInPlace(t *testing.T) {
	st := fold([]model.Event{processing("a", "a.txt"), added("f1", "a", "a.txt"), processing("a", "a.txt")})
	if len(st.Files) != 1 {
		t.Fatalf("expected one record, got %+v", st.Files)
	}
	if f := st.Files["a"]; f.ID != "f1" || f.Status != model.FileUploaded {
		t.Errorf("expected uploaded f1, got %+v", f)
	}
}

func TestTerminalIsSticky(t *testing.T) {
	st := fold([]model.Event{terminal(), progress(model.StatusSyncing, 1, 3)})
	if st.Session.Status != model.StatusCompletedWithErrors || st.Session.ProgressCurrent != 3 {
		t.Errorf("terminal state regressed: %+v", st.Session)
	}
}

func TestAccessRevokedIsWarningOnly(t *testing.T) {
	ev := model.Event{Type: model.EventSyncProgress, Progress: &model.ProgressEvent{
		KnowledgeID: kb, Status: model.StatusAccessRevoked, Filename: "x.txt", Error: "revoked", Current: 1, Total: 3,
	}}
	st := Apply(NewState(kb), ev)
	if st.Session.Status != model.StatusSyncing {
		t.Errorf("status changed to %s", st.Session.Status)
	}
	if st.Warning != "x.txt: revoked" {
		t.Errorf("unexpected warning %q", st.Warning)
	}
}

func TestSnapshotAndPushConverge(t *testing.T) {
	snap := model.Event{Type: model.EventSnapshot, Snapshot: &model.SyncSession{
		KnowledgeID: kb, Status: model.StatusCompletedWithErrors, ProgressCurrent: 3, ProgressTotal: 3,
		FilesProcessed: 2, FilesFailed: 1,
		FailedFiles: []model.FailedFile{{Filename: "b.txt", ErrorType: model.ErrorTimeout, ErrorMessage: "timed out"}},
	}}
	viaPush := fold(append(sessionEvents(), terminal()))
	viaBoth := fold(append(sessionEvents(), snap, terminal()))
	if !reflect.DeepEqual(viaPush.Session, viaBoth.Session) {
		t.Errorf("poll and push disagree:\n%+v\n%+v", viaPush.Session, viaBoth.Session)
	}
}

func TestApplyIgnoresOtherKnowledgeBases(t *testing.T) {
	ev := added("f9", "z", "z.txt")
	ev.Added.KnowledgeID = "other"
	if st := Apply(NewState(kb), ev); len(st.Files) != 0 {
		t.Errorf("foreign event applied: %+v", st.Files)
	}
}

// fakeAPI serves a scripted sequence of status snapshots.
type fakeAPI struct {
	mu       sync.Mutex
	statuses []model.SyncSession
	polls    int
	started  int
	startErr error
	cancels  int
}

func (f *fakeAPI) StartSync(ctx context.Context, knowledgeID string, items []model.SyncItem, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeAPI) Status(ctx context.Context, knowledgeID string) (*model.SyncSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	s := f.statuses[i]
	return &s, nil
}

func (f *fakeAPI) Cancel(ctx context.Context, knowledgeID string) error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func syncing() model.SyncSession {
	return model.SyncSession{KnowledgeID: kb, Status: model.StatusSyncing, ProgressTotal: 3}
}

func TestTrackerConvergesByPollingAlone(t *testing.T) {
	api := &fakeAPI{statuses: []model.SyncSession{
		syncing(), syncing(),
		{KnowledgeID: kb, Status: model.StatusCompleted, ProgressCurrent: 3, ProgressTotal: 3, FilesProcessed: 3},
	}}
	var refreshes int32
	tr := New(api, kb, nil, Options{
		PollInterval: 10 * time.Millisecond,
		Refresh:      func(context.Context) error { atomic.AddInt32(&refreshes, 1); return nil },
	})
	if err := tr.Start(context.Background(), []model.SyncItem{{ItemID: "docs"}}, "tok"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.Start(context.Background(), nil, ""); !errors.Is(err, ErrAlreadySyncing) {
		t.Errorf("expected local refusal, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := tr.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Session.Status != model.StatusCompleted {
		t.Fatalf("unexpected final state %+v", st.Session)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("expected one refresh, got %d", refreshes)
	}
	if tr.Active() || tr.State().Session.Status != model.StatusIdle {
		t.Errorf("expected session cleared, got %+v", tr.State().Session)
	}
}

func TestTrackerConvergesByPushAlone(t *testing.T) {
	// Polling never sees the end.
	api := &fakeAPI{statuses: []model.SyncSession{syncing()}}
	evs := make(chan model.Event, 16)
	for _, ev := range sessionEvents() {
		evs <- ev
	}
	evs <- terminal()

	var refreshes int32
	tr := New(api, kb, evs, Options{
		PollInterval: time.Hour,
		Refresh:      func(context.Context) error { atomic.AddInt32(&refreshes, 1); return nil },
	})
	tr.Follow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := tr.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Session.Status != model.StatusCompletedWithErrors || len(st.Files) != 2 {
		t.Fatalf("unexpected final state %+v", st)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("expected one refresh, got %d", refreshes)
	}
}

func TestTrackerKeepsFileLimitSession(t *testing.T) {
	api := &fakeAPI{statuses: []model.SyncSession{{
		KnowledgeID: kb, Status: model.StatusFileLimitExceeded, Error: "too many files",
	}}}
	var refreshes int32
	tr := New(api, kb, nil, Options{
		PollInterval: 10 * time.Millisecond,
		Refresh:      func(context.Context) error { atomic.AddInt32(&refreshes, 1); return nil },
	})
	tr.Follow()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tr.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if tr.State().Session.Status != model.StatusFileLimitExceeded {
		t.Errorf("file limit session should stay visible, got %s", tr.State().Session.Status)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Errorf("refresh must still run once, got %d", refreshes)
	}
}

func TestTrackerWarningAndCancel(t *testing.T) {
	api := &fakeAPI{statuses: []model.SyncSession{syncing()}}
	var warnings []string
	tr := New(api, kb, nil, Options{OnWarning: func(msg string) { warnings = append(warnings, msg) }})
	tr.Follow()
	tr.Apply(model.Event{Type: model.EventSyncProgress, Progress: &model.ProgressEvent{
		KnowledgeID: kb, Status: model.StatusAccessRevoked, Filename: "x", Error: "revoked",
	}})
	if len(warnings) != 1 || !tr.Active() {
		t.Errorf("expected one warning while active, got %v", warnings)
	}
	if err := tr.Cancel(context.Background()); err != nil || api.cancels != 1 {
		t.Errorf("cancel not forwarded: %v", err)
	}
	if !tr.Active() {
		t.Error("cancel must not end tracking")
	}
}

func TestClientMapsConflictAndStreamsEvents(t *testing.T) {
	hub := events.NewHub()
	go hub.Run()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/onedrive/sync/items", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-tok" || r.Header.Get("X-User-ID") != "u1" {
			http.Error(w, "E81001: unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, "E81010: a sync is already running", http.StatusConflict)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.Handle("GET /api/v1/events/ws", events.NewHandler(hub, events.NewOriginChecker(srv.URL)))

	c := NewClient(srv.URL, "user-tok", "u1")
	err := c.StartSync(context.Background(), kb, []model.SyncItem{{ItemID: "x"}}, "tok")
	if !errors.Is(err, ErrAlreadySyncing) {
		t.Fatalf("expected ErrAlreadySyncing, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.Events(ctx, kb)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// Wait for the subscription to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	other := added("f0", "o", "o.txt")
	other.Added.KnowledgeID = "other"
	hub.Publish(other)
	hub.Publish(added("f1", "a", "a.txt"))

	select {
	case ev := <-stream:
		if ev.Type != model.EventFileAdded || ev.Added.File.ID != "f1" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
