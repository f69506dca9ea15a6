// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package model

import (
	"fmt"
	"time"
)

// Scope is the purpose a token was acquired for. Picker and data-access
// tokens may carry different audiences and are never interchangeable.
type Scope string

const (
	ScopePicker     Scope = "picker"
	ScopeDataAccess Scope = "data-access"
)

// AccountType selects the identity platform tenant.
type AccountType string

const (
	AccountPersonal      AccountType = "personal"
	AccountOrganizations AccountType = "organizations"
)

// AccessToken is a bearer token for one scope.
type AccessToken struct {
	Scope       Scope       `json:"scope"`
	AccountType AccountType `json:"account_type"`
	Value       string      `json:"-"`
	Expiry      time.Time   `json:"expiry"`
	NeedsReauth bool        `json:"needs_reauth"`
}

// Expired reports whether the token is past (or within skew of) its expiry.
func (t *AccessToken) Expired(now time.Time, skew time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.Expiry)
}

// MustScope returns an error when the token was acquired for a different scope.
func (t *AccessToken) MustScope(want Scope) error {
	if t.Scope != want {
		return fmt.Errorf("token acquired for scope %q cannot be used for %q", t.Scope, want)
	}
	return nil
}

// TokenStatus describes the server-held data-access token of a knowledge base.
type TokenStatus struct {
	HasToken      bool       `json:"has_token"`
	IsExpired     bool       `json:"is_expired"`
	NeedsReauth   bool       `json:"needs_reauth"`
	TokenStoredAt *time.Time `json:"token_stored_at"`
}
