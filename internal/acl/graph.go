// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package acl

import (
	"context"
	"strings"

	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

// PermissionLister lists an item's permissions.
type PermissionLister interface {
	ListPermissions(ctx context.Context, token, driveID, itemID string) ([]graph.Permission, error)
}

// TokenProvider returns the data-access token held for a knowledge base.
type TokenProvider interface {
	AccessToken(ctx context.Context, knowledgeID string) (string, error)
}

// GraphAccess answers source access from drive item permissions. Anonymous
// and organization-wide links grant everyone; otherwise a user needs a direct
// grant matching their id or email.
type GraphAccess struct {
	perms  PermissionLister
	tokens TokenProvider
}

// NewGraphAccess creates a checker backed by the Graph permissions endpoint.
func NewGraphAccess(perms PermissionLister, tokens TokenProvider) *GraphAccess {
	return &GraphAccess{perms: perms, tokens: tokens}
}

func (g *GraphAccess) UsersWithAccess(ctx context.Context, knowledgeID string, file model.FileRecord, users []store.User) (map[string]bool, error) {
	token, err := g.tokens.AccessToken(ctx, knowledgeID)
	if err != nil {
		return nil, err
	}
	perms, err := g.perms.ListPermissions(ctx, token, file.Meta.DriveID, file.Meta.ItemID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(users))
	granted := make(map[string]bool)
	for _, p := range perms {
		if p.Link != nil && (p.Link.Scope == graph.LinkScopeAnonymous || p.Link.Scope == graph.LinkScopeOrganization) {
			for _, u := range users {
				out[u.ID] = true
			}
			return out, nil
		}
		for _, id := range p.Grantees() {
			if id.ID != "" {
				granted[id.ID] = true
			}
			if id.Email != "" {
				granted[strings.ToLower(id.Email)] = true
			}
		}
	}
	for _, u := range users {
		out[u.ID] = granted[u.ID] || (u.Email != "" && granted[strings.ToLower(u.Email)])
	}
	return out, nil
}
