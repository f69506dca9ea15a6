// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tracker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// DefaultPollInterval is the status poll period while a session runs.
const DefaultPollInterval = 2 * time.Second

// API is the part of the sync service the tracker drives.
type API interface {
	StartSync(ctx context.Context, knowledgeID string, items []model.SyncItem, accessToken string) error
	Status(ctx context.Context, knowledgeID string) (*model.SyncSession, error)
	Cancel(ctx context.Context, knowledgeID string) error
}

// Options hook the tracker into its caller.
type Options struct {
	PollInterval time.Duration
	// Refresh re-fetches the knowledge base and its files. It runs exactly
	// once per session, on the first terminal state.
	Refresh func(ctx context.Context) error
	// OnWarning receives access_revoked notices.
	OnWarning func(msg string)
	// OnUpdate receives every state change.
	OnUpdate func(State)
}

// Tracker follows one knowledge base's sessions.
type Tracker struct {
	api         API
	knowledgeID string
	events      <-chan model.Event
	opts        Options

	mu        sync.Mutex
	state     State
	active    bool
	refreshed bool
}

// New creates a tracker. events may be nil, in which case only polling is
// used.
func New(api API, knowledgeID string, events <-chan model.Event, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Tracker{
		api:         api,
		knowledgeID: knowledgeID,
		events:      events,
		opts:        opts,
		state:       State{Session: *model.IdleSession(knowledgeID), Files: map[string]model.FileRecord{}},
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active reports whether a session is being tracked.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Start submits a selection. It refuses locally while a session is tracked;
// the server refuses too when another client started one.
func (t *Tracker) Start(ctx context.Context, items []model.SyncItem, accessToken string) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return ErrAlreadySyncing
	}
	t.mu.Unlock()

	if err := t.api.StartSync(ctx, t.knowledgeID, items, accessToken); err != nil {
		return err
	}
	t.Follow()
	return nil
}

// Follow begins tracking a session started elsewhere, e.g. by a resync.
func (t *Tracker) Follow() {
	t.mu.Lock()
	t.state = NewState(t.knowledgeID)
	t.active = true
	t.refreshed = false
	t.mu.Unlock()
}

// Cancel asks the server to stop. The session keeps being tracked until a
// terminal state is observed.
func (t *Tracker) Cancel(ctx context.Context) error {
	return t.api.Cancel(ctx, t.knowledgeID)
}

// Run merges the poll ticker and the event stream until the tracked session
// reaches a terminal state or ctx ends. It returns the terminal state.
func (t *Tracker) Run(ctx context.Context) (State, error) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	events := t.events
	t.poll(ctx)
	for {
		if st, done := t.checkTerminal(ctx); done {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return t.State(), ctx.Err()
		case <-ticker.C:
			t.poll(ctx)
		case ev, ok := <-events:
			if !ok {
				log.Printf("[tracker] event stream ended for %s, polling only", t.knowledgeID)
				events = nil
				continue
			}
			t.apply(ev)
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	s, err := t.api.Status(ctx, t.knowledgeID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[tracker] status poll failed for %s: %v", t.knowledgeID, err)
		}
		return
	}
	t.apply(model.Event{Type: model.EventSnapshot, Snapshot: s})
}

// Apply folds an event into the tracked state.
func (t *Tracker) Apply(ev model.Event) { t.apply(ev) }

func (t *Tracker) apply(ev model.Event) {
	t.mu.Lock()
	prevWarning := t.state.Warning
	t.state = Apply(t.state, ev)
	st := t.state
	t.mu.Unlock()

	if st.Warning != "" && st.Warning != prevWarning && t.opts.OnWarning != nil {
		t.opts.OnWarning(st.Warning)
	}
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(st)
	}
}

// checkTerminal runs the refresh once on the first terminal state. The
// session is cleared afterwards unless the file limit was hit, which stays
// visible to the user.
func (t *Tracker) checkTerminal(ctx context.Context) (State, bool) {
	t.mu.Lock()
	st := t.state
	if !st.Session.Status.IsTerminal() || t.refreshed {
		t.mu.Unlock()
		return st, st.Session.Status.IsTerminal()
	}
	t.refreshed = true
	t.mu.Unlock()

	if t.opts.Refresh != nil {
		if err := t.opts.Refresh(ctx); err != nil {
			log.Printf("[tracker] refresh after %s failed: %v", st.Session.Status, err)
		}
	}

	t.mu.Lock()
	t.active = false
	if st.Session.Status != model.StatusFileLimitExceeded {
		t.state = State{Session: *model.IdleSession(t.knowledgeID), Files: map[string]model.FileRecord{}}
	}
	t.mu.Unlock()
	return st, true
}
