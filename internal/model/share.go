// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package model

// ShareAction is an outcome the caller may confirm after validation.
type ShareAction string

const (
	ActionProceed           ShareAction = "proceed"
	ActionShareAnyway       ShareAction = "share_anyway"
	ActionShareEligibleOnly ShareAction = "share_eligible_only"
	ActionAcknowledgePublic ShareAction = "acknowledge_public"
	ActionCancel            ShareAction = "cancel"
)

// Recommendation tells the caller how an ineligible user could gain access.
type Recommendation struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email,omitempty"`
	Message           string `json:"message"`
	InaccessibleFiles int    `json:"inaccessible_files"`
	GrantAccessURL    string `json:"grant_access_url,omitempty"`
}

// GroupConflict lists the members of a group that lack source access.
type GroupConflict struct {
	GroupID        string   `json:"group_id"`
	Write          bool     `json:"write"`
	MembersBlocked []string `json:"members_without_access"`
}

// ShareValidationResult is computed fresh on every validation and never stored.
type ShareValidationResult struct {
	CanShareToUsers    []string         `json:"can_share_to_users"`
	CannotShareToUsers []string         `json:"cannot_share_to_users"`
	Recommendations    []Recommendation `json:"recommendations"`
	GroupConflicts     []GroupConflict  `json:"group_conflicts"`
	SourceRestricted   bool             `json:"source_restricted"`
	KBIsPublic         bool             `json:"kb_is_public"`
	Blocked            bool             `json:"blocked"`
	Unavailable        bool             `json:"unavailable,omitempty"`
	Actions            []ShareAction    `json:"actions"`
}

// Allows reports whether action is among the confirmable actions.
func (r *ShareValidationResult) Allows(action ShareAction) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}
