// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package blob stores the bytes of synced and uploaded files. Handing bytes
// to a Sink is the end of this service's responsibility for a document.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Open for a missing key.
var ErrNotFound = errors.New("blob not found")

// Sink is a content store addressed by key.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key of a file within a knowledge base.
func Key(knowledgeID, fileID string) string {
	return path.Join(clean(knowledgeID), clean(fileID))
}

func clean(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
