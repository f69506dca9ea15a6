// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package picker turns file picker selections into sync items and speaks the
// picker's message protocol.
package picker

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// ErrEmptySelection is returned when a payload names no usable item.
var ErrEmptySelection = errors.New("selection contains no items")

type pickedItem struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Folder          *json.RawMessage `json:"folder"`
	File            *json.RawMessage `json:"file"`
	Package         *json.RawMessage `json:"package"`
	ParentReference *parentRef       `json:"parentReference"`
	RemoteItem      *pickedItem      `json:"remoteItem"`
}

type parentRef struct {
	DriveID       string          `json:"driveId"`
	ID            string          `json:"id"`
	Path          string          `json:"path"`
	SharepointIDs json.RawMessage `json:"sharepointIds"`
}

type pickPayload struct {
	Command string       `json:"command"`
	Items   []pickedItem `json:"items"`
	// Value is the older picker's result shape.
	Value []pickedItem `json:"value"`
}

// Normalize parses a picker result. It accepts the pick command payload
// ({"command":"pick","items":[...]}) and the older {"value":[...]} shape,
// follows remoteItem for shared items and shortcuts, and drops duplicates
// by (drive, item), keeping the first.
func Normalize(payload []byte) ([]model.SyncItem, error) {
	var p pickPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode pick payload: %w", err)
	}
	if p.Command != "" && p.Command != "pick" {
		return nil, fmt.Errorf("unexpected picker command %q", p.Command)
	}
	raw := p.Items
	if len(raw) == 0 {
		raw = p.Value
	}

	seen := make(map[string]bool, len(raw))
	out := make([]model.SyncItem, 0, len(raw))
	for i := range raw {
		item, ok := normalizeItem(&raw[i])
		if !ok {
			continue
		}
		key := item.DriveID + "/" + item.ItemID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, ErrEmptySelection
	}
	return out, nil
}

func normalizeItem(it *pickedItem) (model.SyncItem, bool) {
	name := it.Name
	target := it
	// Shared items and shortcuts point at an item in another drive.
	if it.RemoteItem != nil && it.RemoteItem.ID != "" {
		target = it.RemoteItem
		if name == "" {
			name = target.Name
		}
	}
	if target.ID == "" {
		return model.SyncItem{}, false
	}

	var driveID, parentPath string
	if ref := target.ParentReference; ref != nil {
		driveID = ref.DriveID
		parentPath = ref.Path
	}
	if driveID == "" && it.ParentReference != nil {
		driveID = it.ParentReference.DriveID
	}
	if parentPath == "" && it.ParentReference != nil {
		parentPath = it.ParentReference.Path
	}

	typ := model.SourceTypeFile
	if target.Folder != nil || target.Package != nil || it.Folder != nil {
		typ = model.SourceTypeFolder
	}

	return model.SyncItem{
		Type:     typ,
		DriveID:  driveID,
		ItemID:   target.ID,
		ItemPath: ItemPath(parentPath, name),
		Name:     name,
	}, true
}

// ItemPath joins a parent reference path and a name into a drive-relative
// path. Both "/drive/root:/a/b" and "/drives/{id}/root:/a/b" parent forms are
// accepted; an empty parent yields "/name".
func ItemPath(parentPath, name string) string {
	rel := parentPath
	if i := strings.Index(rel, "root:"); i >= 0 {
		rel = rel[i+len("root:"):]
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return path.Join(rel, name)
}

// SourcesFromItems converts a selection into tracked sources.
func SourcesFromItems(items []model.SyncItem) []model.Source {
	out := make([]model.Source, 0, len(items))
	for _, it := range items {
		out = append(out, it.Source())
	}
	return out
}
