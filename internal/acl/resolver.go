// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: acl-resolver-v1-source-gated

// Package acl checks a sharing change against the access the external
// source grants before it is committed.
package acl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

const resolverRevision = "acl-resolver-v1-source-gated"

func init() {
	log.Printf("[acl] REVISION: %s loaded at %s", resolverRevision, time.Now().Format(time.RFC3339))
}

var (
	ErrShareBlocked   = errors.New("share is blocked by source access conflicts")
	ErrShareCancelled = errors.New("share cancelled")
	ErrInvalidMode    = errors.New("mode must be strict or lenient")
)

// Mode selects how access conflicts are handled.
type Mode string

const (
	// ModeStrict blocks public shares and only allows dropping ineligible users.
	ModeStrict Mode = "strict"
	// ModeLenient lets the caller confirm a share despite user conflicts.
	ModeLenient Mode = "lenient"
)

// ParseMode accepts "strict" or "lenient". Empty selects strict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeLenient:
		return ModeLenient, nil
	}
	return "", ErrInvalidMode
}

// ShareRequest is a proposed access control change. No users and no groups
// means public.
type ShareRequest struct {
	KnowledgeID   string   `json:"knowledge_id"`
	UserIDs       []string `json:"user_ids"`
	GroupIDs      []string `json:"group_ids"`
	WriteGroupIDs []string `json:"write_group_ids"`
	Mode          Mode     `json:"mode,omitempty"`
}

// IsPublic reports whether the request removes all scoping.
func (r ShareRequest) IsPublic() bool {
	return len(r.UserIDs) == 0 && len(r.GroupIDs) == 0 && len(r.WriteGroupIDs) == 0
}

// SourceAccessChecker reports which users can open a synced file at its
// source.
type SourceAccessChecker interface {
	UsersWithAccess(ctx context.Context, knowledgeID string, file model.FileRecord, users []store.User) (map[string]bool, error)
}

// Resolver validates sharing changes.
type Resolver struct {
	store   store.Store
	checker SourceAccessChecker
	mode    Mode
}

// NewResolver creates a Resolver. mode is used when a request names none.
func NewResolver(st store.Store, checker SourceAccessChecker, mode Mode) *Resolver {
	if mode == "" {
		mode = ModeStrict
	}
	return &Resolver{store: st, checker: checker, mode: mode}
}

// ValidateShare computes a fresh validation result. Internal failures are
// reported as Unavailable with a proceed action; only an unknown knowledge
// base is returned as an error.
func (r *Resolver) ValidateShare(ctx context.Context, req ShareRequest) (*model.ShareValidationResult, error) {
	kb, err := r.store.GetKnowledge(ctx, req.KnowledgeID)
	if err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = r.mode
	}
	res, err := r.validate(ctx, kb, req)
	if err != nil {
		log.Printf("[acl] validation unavailable for %s: %v", kb.ID, err)
		return &model.ShareValidationResult{
			CanShareToUsers:    []string{},
			CannotShareToUsers: []string{},
			Recommendations:    []model.Recommendation{},
			GroupConflicts:     []model.GroupConflict{},
			Unavailable:        true,
			Actions:            []model.ShareAction{model.ActionProceed},
		}, nil
	}
	return res, nil
}

func (r *Resolver) validate(ctx context.Context, kb *model.KnowledgeBase, req ShareRequest) (*model.ShareValidationResult, error) {
	res := &model.ShareValidationResult{
		CanShareToUsers:    []string{},
		CannotShareToUsers: []string{},
		Recommendations:    []model.Recommendation{},
		GroupConflicts:     []model.GroupConflict{},
	}

	all, err := r.store.ListFiles(ctx, kb.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	var files []model.FileRecord
	for _, f := range all {
		if f.IsExternal() {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		res.Actions = []model.ShareAction{model.ActionProceed}
		return res, nil
	}
	res.SourceRestricted = true

	if req.IsPublic() {
		res.KBIsPublic = true
		if req.Mode == ModeLenient {
			res.Actions = []model.ShareAction{model.ActionAcknowledgePublic, model.ActionCancel}
		} else {
			res.Blocked = true
			res.Actions = []model.ShareAction{model.ActionCancel}
		}
		return res, nil
	}

	groups := make(map[string][]string)
	for _, g := range append(append([]string{}, req.GroupIDs...), req.WriteGroupIDs...) {
		if _, ok := groups[g]; ok {
			continue
		}
		members, err := r.store.GroupMembers(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("group %s members: %w", g, err)
		}
		groups[g] = members
	}

	ids := uniq(req.UserIDs)
	for _, members := range groups {
		ids = uniq(append(ids, members...))
	}
	users := make([]store.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.store.GetUser(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			users = append(users, store.User{ID: id})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		users = append(users, *u)
	}

	// missing counts the files each user cannot open; firstURL is where the
	// first of them can be requested.
	missing := make(map[string]int, len(users))
	firstURL := make(map[string]string, len(users))
	for _, f := range files {
		access, err := r.checker.UsersWithAccess(ctx, kb.ID, f, users)
		if err != nil {
			return nil, fmt.Errorf("source access for %s: %w", f.Name, err)
		}
		for _, u := range users {
			if access[u.ID] {
				continue
			}
			missing[u.ID]++
			if firstURL[u.ID] == "" {
				firstURL[u.ID] = f.Meta.WebURL
			}
		}
	}

	byID := make(map[string]store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, id := range uniq(req.UserIDs) {
		if missing[id] == 0 {
			res.CanShareToUsers = append(res.CanShareToUsers, id)
			continue
		}
		res.CannotShareToUsers = append(res.CannotShareToUsers, id)
		res.Recommendations = append(res.Recommendations, model.Recommendation{
			UserID:            id,
			Email:             byID[id].Email,
			Message:           fmt.Sprintf("%s cannot open %d of %d synced files at the source", displayName(byID[id]), missing[id], len(files)),
			InaccessibleFiles: missing[id],
			GrantAccessURL:    firstURL[id],
		})
	}

	addConflicts := func(groupIDs []string, write bool) {
		for _, g := range uniq(groupIDs) {
			var blocked []string
			for _, m := range groups[g] {
				if missing[m] > 0 {
					blocked = append(blocked, m)
				}
			}
			if len(blocked) > 0 {
				sort.Strings(blocked)
				res.GroupConflicts = append(res.GroupConflicts, model.GroupConflict{GroupID: g, Write: write, MembersBlocked: blocked})
			}
		}
	}
	addConflicts(req.GroupIDs, false)
	addConflicts(req.WriteGroupIDs, true)

	switch {
	case len(res.GroupConflicts) > 0:
		// No override exists for groups in any mode.
		res.Blocked = true
		res.Actions = []model.ShareAction{model.ActionCancel}
	case len(res.CannotShareToUsers) == 0:
		res.Actions = []model.ShareAction{model.ActionProceed}
	default:
		if req.Mode == ModeLenient {
			res.Actions = append(res.Actions, model.ActionShareAnyway)
		}
		if len(res.CanShareToUsers) > 0 || len(req.GroupIDs) > 0 || len(req.WriteGroupIDs) > 0 {
			res.Actions = append(res.Actions, model.ActionShareEligibleOnly)
		}
		if len(res.Actions) == 0 {
			res.Blocked = true
		}
		res.Actions = append(res.Actions, model.ActionCancel)
	}
	return res, nil
}

// Decide turns a validation result and the caller's chosen action into the
// access control to store. A nil AccessControl with a nil error means public.
func Decide(req ShareRequest, res *model.ShareValidationResult, action model.ShareAction) (*model.AccessControl, error) {
	if action == model.ActionCancel {
		return nil, ErrShareCancelled
	}
	if res.Unavailable || !res.SourceRestricted {
		return buildACL(req.UserIDs, req), nil
	}
	if !res.Allows(action) {
		return nil, fmt.Errorf("%w: %s not allowed", ErrShareBlocked, action)
	}
	switch action {
	case model.ActionAcknowledgePublic:
		return nil, nil
	case model.ActionShareEligibleOnly:
		return buildACL(res.CanShareToUsers, req), nil
	default:
		return buildACL(req.UserIDs, req), nil
	}
}

func buildACL(users []string, req ShareRequest) *model.AccessControl {
	if req.IsPublic() {
		return nil
	}
	return &model.AccessControl{
		Read:  model.ReadGrant{UserIDs: nonNil(uniq(users)), GroupIDs: nonNil(uniq(req.GroupIDs))},
		Write: model.WriteGrant{GroupIDs: nonNil(uniq(req.WriteGroupIDs))},
	}
}

// Apply validates req, decides with action and stores the result.
func (r *Resolver) Apply(ctx context.Context, req ShareRequest, action model.ShareAction) (*model.KnowledgeBase, error) {
	res, err := r.ValidateShare(ctx, req)
	if err != nil {
		return nil, err
	}
	ac, err := Decide(req, res, action)
	if err != nil {
		return nil, err
	}
	return r.store.UpdateKnowledge(ctx, req.KnowledgeID, func(kb *model.KnowledgeBase) error {
		kb.AccessControl = ac
		return nil
	})
}

func displayName(u store.User) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	}
	return u.ID
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
