// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package store persists knowledge bases, file records, sealed tokens and
// group membership in SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

// User is a directory entry used for sharing decisions.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SealedToken is an encrypted token blob for a knowledge base.
type SealedToken struct {
	KnowledgeID string
	AccountType model.AccountType
	Sealed      []byte
	Expiry      time.Time
	NeedsReauth bool
	StoredAt    time.Time
}

// Store is the persistence interface used by the sync, token and ACL layers.
type Store interface {
	CreateKnowledge(ctx context.Context, kb *model.KnowledgeBase) error
	GetKnowledge(ctx context.Context, id string) (*model.KnowledgeBase, error)
	ListSyncedKnowledge(ctx context.Context, userID string) ([]model.KnowledgeBase, error)
	// UpdateKnowledge runs fn against the current row inside a transaction
	// and writes back whatever fn leaves in kb.
	UpdateKnowledge(ctx context.Context, id string, fn func(kb *model.KnowledgeBase) error) (*model.KnowledgeBase, error)

	ListFiles(ctx context.Context, knowledgeID string) ([]model.FileRecord, error)
	GetFileByItem(ctx context.Context, knowledgeID, itemID string) (*model.FileRecord, error)
	UpsertFile(ctx context.Context, knowledgeID string, f *model.FileRecord) error
	DeleteFile(ctx context.Context, knowledgeID, fileID string) error
	DeleteFilesBySource(ctx context.Context, knowledgeID, sourceItemID string) (int, error)

	PutToken(ctx context.Context, t *SealedToken) error
	GetToken(ctx context.Context, knowledgeID string) (*SealedToken, error)
	DeleteToken(ctx context.Context, knowledgeID string) (bool, error)

	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	Close() error
}
