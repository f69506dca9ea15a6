// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package acl

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/graph/graphtest"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

// fakeChecker grants access per (user, item).
type fakeChecker struct {
	grants map[string]map[string]bool
	err    error
}

func (f *fakeChecker) UsersWithAccess(ctx context.Context, kb string, file model.FileRecord, users []store.User) (map[string]bool, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]bool{}
	for _, u := range users {
		out[u.ID] = f.grants[u.ID][file.Meta.ItemID]
	}
	return out, nil
}

type fixture struct {
	store   *store.SQLiteStore
	checker *fakeChecker
	kb      *model.KnowledgeBase
}

func setupTestResolver(t *testing.T, external bool) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "acl.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	kb := &model.KnowledgeBase{Name: "KB", UserID: "owner"}
	if err := st.CreateKnowledge(ctx, kb); err != nil {
		t.Fatalf("create: %v", err)
	}
	if external {
		for _, item := range []string{"f1", "f2"} {
			st.UpsertFile(ctx, kb.ID, &model.FileRecord{Name: item + ".txt", Status: model.FileUploaded, Meta: model.FileMeta{
				Source: model.SourceKindOneDrive, ItemID: item, SourceItemID: "docs", WebURL: "https://example.test/" + item,
			}})
		}
	} else {
		st.UpsertFile(ctx, kb.ID, &model.FileRecord{Name: "local.md", Status: model.FileUploaded, Meta: model.FileMeta{Source: model.SourceKindLocal}})
	}

	st.PutUser(ctx, store.User{ID: "ann", Email: "ann@example.com", Name: "Ann"})
	st.PutUser(ctx, store.User{ID: "bob", Email: "bob@example.com"})
	st.AddGroupMember(ctx, "team", "ann")
	st.AddGroupMember(ctx, "team", "bob")
	st.AddGroupMember(ctx, "leads", "ann")

	return &fixture{
		store: st,
		checker: &fakeChecker{grants: map[string]map[string]bool{
			"ann": {"f1": true, "f2": true},
			"bob": {"f1": true},
		}},
		kb: kb,
	}
}

func (f *fixture) resolver(mode Mode) *Resolver {
	return NewResolver(f.store, f.checker, mode)
}

func TestNoExternalFilesSkipsConfirmation(t *testing.T) {
	f := setupTestResolver(t, false)
	res, err := f.resolver(ModeStrict).ValidateShare(context.Background(), ShareRequest{KnowledgeID: f.kb.ID})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.SourceRestricted || res.KBIsPublic || !res.Allows(model.ActionProceed) {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestPublicTargetStrictRejected(t *testing.T) {
	f := setupTestResolver(t, true)
	req := ShareRequest{KnowledgeID: f.kb.ID}
	res, err := f.resolver(ModeStrict).ValidateShare(context.Background(), req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.KBIsPublic || !res.SourceRestricted || !res.Blocked {
		t.Fatalf("expected blocked public share, got %+v", res)
	}
	for _, a := range []model.ShareAction{model.ActionProceed, model.ActionShareAnyway, model.ActionAcknowledgePublic} {
		if _, err := Decide(req, res, a); !errors.Is(err, ErrShareBlocked) {
			t.Errorf("%s: expected ErrShareBlocked, got %v", a, err)
		}
	}
}

func TestPublicTargetLenientNeedsAcknowledgement(t *testing.T) {
	f := setupTestResolver(t, true)
	req := ShareRequest{KnowledgeID: f.kb.ID, Mode: ModeLenient}
	res, _ := f.resolver(ModeStrict).ValidateShare(context.Background(), req)
	if !res.KBIsPublic || res.Blocked || res.Allows(model.ActionProceed) {
		t.Fatalf("unexpected result: %+v", res)
	}
	ac, err := Decide(req, res, model.ActionAcknowledgePublic)
	if err != nil || ac != nil {
		t.Fatalf("expected public acl, got %+v err=%v", ac, err)
	}
}

func TestUserEligibilityRequiresEveryFile(t *testing.T) {
	f := setupTestResolver(t, true)
	res, err := f.resolver(ModeStrict).ValidateShare(context.Background(), ShareRequest{
		KnowledgeID: f.kb.ID, UserIDs: []string{"ann", "bob", "ghost"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.CanShareToUsers) != 1 || res.CanShareToUsers[0] != "ann" {
		t.Errorf("unexpected eligible users: %v", res.CanShareToUsers)
	}
	if len(res.CannotShareToUsers) != 2 {
		t.Fatalf("unexpected ineligible users: %v", res.CannotShareToUsers)
	}
	rec := res.Recommendations[0]
	if rec.UserID != "bob" || rec.InaccessibleFiles != 1 || rec.GrantAccessURL != "https://example.test/f2" || rec.Email != "bob@example.com" {
		t.Errorf("unexpected recommendation: %+v", rec)
	}
	if res.Recommendations[1].InaccessibleFiles != 2 {
		t.Errorf("unknown user should miss every file: %+v", res.Recommendations[1])
	}
}

func TestStrictPartialShareEligibleOnly(t *testing.T) {
	f := setupTestResolver(t, true)
	req := ShareRequest{KnowledgeID: f.kb.ID, UserIDs: []string{"ann", "bob"}}
	res, _ := f.resolver(ModeStrict).ValidateShare(context.Background(), req)

	if res.Allows(model.ActionShareAnyway) {
		t.Error("strict mode must not offer share anyway")
	}
	if !res.Allows(model.ActionShareEligibleOnly) {
		t.Fatalf("expected share eligible only, got %v", res.Actions)
	}
	ac, err := Decide(req, res, model.ActionShareEligibleOnly)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(ac.Read.UserIDs) != 1 || ac.Read.UserIDs[0] != "ann" {
		t.Errorf("expected only ann, got %+v", ac.Read)
	}
}

func TestLenientPartialShareAnyway(t *testing.T) {
	f := setupTestResolver(t, true)
	req := ShareRequest{KnowledgeID: f.kb.ID, UserIDs: []string{"bob"}, Mode: ModeLenient}
	res, _ := f.resolver(ModeStrict).ValidateShare(context.Background(), req)
	if !res.Allows(model.ActionShareAnyway) || res.Allows(model.ActionShareEligibleOnly) {
		t.Fatalf("unexpected actions: %v", res.Actions)
	}
	ac, err := Decide(req, res, model.ActionShareAnyway)
	if err != nil || len(ac.Read.UserIDs) != 1 {
		t.Fatalf("expected bob granted, got %+v err=%v", ac, err)
	}
}

func TestGroupConflictHardBlockInEveryMode(t *testing.T) {
	f := setupTestResolver(t, true)
	for _, mode := range []Mode{ModeStrict, ModeLenient} {
		req := ShareRequest{KnowledgeID: f.kb.ID, UserIDs: []string{"ann"}, WriteGroupIDs: []string{"team"}, Mode: mode}
		res, err := f.resolver(mode).ValidateShare(context.Background(), req)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if len(res.GroupConflicts) != 1 || res.GroupConflicts[0].GroupID != "team" || !res.GroupConflicts[0].Write {
			t.Fatalf("%s: unexpected conflicts: %+v", mode, res.GroupConflicts)
		}
		if got := res.GroupConflicts[0].MembersBlocked; len(got) != 1 || got[0] != "bob" {
			t.Errorf("%s: unexpected blocked members: %v", mode, got)
		}
		if !res.Blocked || res.Allows(model.ActionShareAnyway) || res.Allows(model.ActionProceed) || res.Allows(model.ActionShareEligibleOnly) {
			t.Errorf("%s: group conflict must block, got %v", mode, res.Actions)
		}
	}
}

func TestGroupWithFullAccessProceeds(t *testing.T) {
	f := setupTestResolver(t, true)
	req := ShareRequest{KnowledgeID: f.kb.ID, GroupIDs: []string{"leads"}}
	res, _ := f.resolver(ModeStrict).ValidateShare(context.Background(), req)
	if !res.Allows(model.ActionProceed) {
		t.Fatalf("expected proceed, got %+v", res)
	}
	ac, err := Decide(req, res, model.ActionProceed)
	if err != nil || len(ac.Read.GroupIDs) != 1 {
		t.Fatalf("unexpected acl %+v err=%v", ac, err)
	}
}

func TestCheckerErrorFailsOpen(t *testing.T) {
	f := setupTestResolver(t, true)
	f.checker.err = errors.New("graph down")
	req := ShareRequest{KnowledgeID: f.kb.ID, UserIDs: []string{"bob"}}
	res, err := f.resolver(ModeStrict).ValidateShare(context.Background(), req)
	if err != nil {
		t.Fatalf("validation must not fail on internal errors: %v", err)
	}
	if !res.Unavailable || !res.Allows(model.ActionProceed) {
		t.Fatalf("expected unavailable/proceed, got %+v", res)
	}
	if ac, err := Decide(req, res, model.ActionProceed); err != nil || ac == nil {
		t.Errorf("expected fail-open acl, got %+v err=%v", ac, err)
	}
}

func TestUnknownKnowledgeBase(t *testing.T) {
	f := setupTestResolver(t, true)
	_, err := f.resolver(ModeStrict).ValidateShare(context.Background(), ShareRequest{KnowledgeID: "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyStoresDecision(t *testing.T) {
	f := setupTestResolver(t, true)
	r := f.resolver(ModeStrict)
	kb, err := r.Apply(context.Background(), ShareRequest{KnowledgeID: f.kb.ID, UserIDs: []string{"ann", "bob"}}, model.ActionShareEligibleOnly)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if kb.AccessControl == nil || len(kb.AccessControl.Read.UserIDs) != 1 {
		t.Fatalf("unexpected stored acl: %+v", kb.AccessControl)
	}
	if _, err := r.Apply(context.Background(), ShareRequest{KnowledgeID: f.kb.ID}, model.ActionCancel); !errors.Is(err, ErrShareCancelled) {
		t.Errorf("expected ErrShareCancelled, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeStrict {
		t.Errorf("empty: %v %v", m, err)
	}
	if m, err := ParseMode("lenient"); err != nil || m != ModeLenient {
		t.Errorf("lenient: %v %v", m, err)
	}
	if _, err := ParseMode("loose"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

type fixedToken string

func (f fixedToken) AccessToken(ctx context.Context, knowledgeID string) (string, error) {
	return string(f), nil
}

func TestGraphAccess(t *testing.T) {
	srv := graphtest.NewServer()
	defer srv.Close()
	srv.AddFile("root", "direct", "direct.txt", []byte("x"))
	srv.AddFile("root", "linked", "linked.txt", []byte("y"))
	srv.SetPermissions("direct", graphtest.UserGrant("Ann@Example.com"))
	srv.SetPermissions("linked", graph.Permission{ID: "l", Link: &graph.SharingLink{Scope: graph.LinkScopeOrganization}})

	g := NewGraphAccess(graph.NewClient(srv.URL, srv.Client()), fixedToken("tok"))
	users := []store.User{{ID: "ann", Email: "ann@example.com"}, {ID: "bob", Email: "bob@example.com"}}

	direct := model.FileRecord{Meta: model.FileMeta{DriveID: "drive-1", ItemID: "direct"}}
	got, err := g.UsersWithAccess(context.Background(), "kb", direct, users)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if !got["ann"] || got["bob"] {
		t.Errorf("unexpected direct access: %v", got)
	}

	linked := model.FileRecord{Meta: model.FileMeta{DriveID: "drive-1", ItemID: "linked"}}
	got, _ = g.UsersWithAccess(context.Background(), "kb", linked, users)
	if !got["ann"] || !got["bob"] {
		t.Errorf("organization link should grant everyone: %v", got)
	}
}
