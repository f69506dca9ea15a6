// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package upload imports local directories into a knowledge base as loose
// files, once or continuously.
package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/hyper-ai-inc/kbsync/internal/blob"
	"github.com/hyper-ai-inc/kbsync/internal/events"
	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

// localItemPrefix namespaces local files in the item id column so a
// re-upload of the same relative path updates the existing record.
const localItemPrefix = "local:"

// Result summarizes a directory import.
type Result struct {
	Uploaded  int                `json:"uploaded"`
	Unchanged int                `json:"unchanged"`
	Failed    []model.FailedFile `json:"failed"`
}

// Uploader writes local files into a knowledge base.
type Uploader struct {
	store       store.Store
	sink        blob.Sink
	pub         events.Publisher
	parallelism int
	maxBytes    int64
}

// NewUploader creates an Uploader. pub may be nil.
func NewUploader(st store.Store, sink blob.Sink, pub events.Publisher, parallelism int, maxBytes int64) *Uploader {
	if parallelism <= 0 {
		parallelism = 4
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	return &Uploader{store: st, sink: sink, pub: pub, parallelism: parallelism, maxBytes: maxBytes}
}

// UploadDir imports every regular file under root. Directories are visited
// with an explicit stack; hidden entries and symlinks are skipped. Up to
// parallelism files upload at once. Cancelling ctx stops the traversal and
// returns what finished so far with ctx's error.
func (u *Uploader) UploadDir(ctx context.Context, knowledgeID, root string) (*Result, error) {
	if _, err := u.store.GetKnowledge(ctx, knowledgeID); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		res = &Result{Failed: []model.FailedFile{}}
		g   errgroup.Group
	)
	g.SetLimit(u.parallelism)

	stack := []string{root}
traverse:
	for len(stack) > 0 {
		if ctx.Err() != nil {
			break
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("[upload] cannot read %s: %v", dir, err)
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				break traverse
			}
			if strings.HasPrefix(e.Name(), ".") || e.Type()&os.ModeSymlink != 0 {
				continue
			}
			abs := filepath.Join(dir, e.Name())
			if e.IsDir() {
				stack = append(stack, abs)
				continue
			}
			if !e.Type().IsRegular() {
				continue
			}
			g.Go(func() error {
				changed, err := u.UploadFile(ctx, knowledgeID, root, abs)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					res.Failed = append(res.Failed, failure(root, abs, err))
				case changed:
					res.Uploaded++
				default:
					res.Unchanged++
				}
				return nil
			})
		}
	}
	g.Wait()

	log.Printf("[upload] %s: %d uploaded, %d unchanged, %d failed", root, res.Uploaded, res.Unchanged, len(res.Failed))
	return res, ctx.Err()
}

var errEmpty = errors.New("file has no content")
var errTooLarge = errors.New("file exceeds the maximum size")

func failure(root, path string, err error) model.FailedFile {
	kind := model.ErrorProcessingError
	switch {
	case errors.Is(err, errEmpty):
		kind = model.ErrorEmptyContent
	case errors.Is(err, context.DeadlineExceeded):
		kind = model.ErrorTimeout
	}
	f := model.FailedFile{Filename: filepath.Base(path), ErrorType: kind, ErrorMessage: err.Error()}
	if rel, err := filepath.Rel(root, path); err == nil {
		f.ItemID = localItemPrefix + filepath.ToSlash(rel)
	}
	return f
}

// UploadFile imports one file. The record is keyed by its path relative to
// root; unchanged content is not rewritten. It reports whether anything was
// stored.
func (u *Uploader) UploadFile(ctx context.Context, knowledgeID, root, abs string) (bool, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false, err
	}
	rel = filepath.ToSlash(rel)

	data, err := readLimited(abs, u.maxBytes)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, errEmpty
	}
	sum := blake3.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	prev, err := u.store.GetFileByItem(ctx, knowledgeID, localItemPrefix+rel)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if prev != nil && prev.Status == model.FileUploaded && prev.Meta.ContentHash == hash {
		return false, nil
	}

	now := time.Now().UTC()
	rec := &model.FileRecord{Name: filepath.Base(abs), Status: model.FileUploading, AddedAt: now}
	if prev != nil {
		cp := *prev
		rec = &cp
	}
	rec.UpdatedAt = now
	rec.Meta = model.FileMeta{
		Source:       model.SourceKindLocal,
		RelativePath: rel,
		ItemID:       localItemPrefix + rel,
		Size:         int64(len(data)),
		ContentHash:  hash,
		ContentType:  mime.TypeByExtension(filepath.Ext(abs)),
	}
	if prev == nil {
		if err := u.store.UpsertFile(ctx, knowledgeID, rec); err != nil {
			return false, err
		}
	}

	if err := u.sink.Put(ctx, blob.Key(knowledgeID, rec.ID), bytes.NewReader(data), int64(len(data)), rec.Meta.ContentType); err != nil {
		if prev == nil {
			if derr := u.store.DeleteFile(ctx, knowledgeID, rec.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				log.Printf("[upload] failed to roll back %s: %v", rel, derr)
			}
		}
		return false, fmt.Errorf("store content: %w", err)
	}
	rec.Status = model.FileUploaded
	if err := u.store.UpsertFile(ctx, knowledgeID, rec); err != nil {
		return false, err
	}

	if u.pub != nil {
		u.pub.Publish(model.Event{Type: model.EventFileAdded, Added: &model.FileAddedEvent{
			KnowledgeID: knowledgeID,
			File:        model.AddedFile{ID: rec.ID, Filename: rec.Name, Meta: rec.Meta, CreatedAt: rec.AddedAt, UpdatedAt: rec.UpdatedAt},
		}})
	}
	return true, nil
}

// RemovePath deletes the local records imported from rel, or from
// anywhere below rel when it was a directory. It returns how many went.
func (u *Uploader) RemovePath(ctx context.Context, knowledgeID, rel string) (int, error) {
	rel = filepath.ToSlash(rel)
	files, err := u.store.ListFiles(ctx, knowledgeID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if f.IsExternal() || !strings.HasPrefix(f.Meta.ItemID, localItemPrefix) {
			continue
		}
		p := f.Meta.RelativePath
		if p != rel && !strings.HasPrefix(p, rel+"/") {
			continue
		}
		if err := u.store.DeleteFile(ctx, knowledgeID, f.ID); err != nil {
			return n, err
		}
		if err := u.sink.Delete(ctx, blob.Key(knowledgeID, f.ID)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Printf("[upload] failed to delete blob for %s: %v", p, err)
		}
		n++
	}
	return n, nil
}

func readLimited(path string, max int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", errTooLarge, max)
	}
	return data, nil
}
