// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package graph

import (
	"context"
	"path"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// Entry is a file found while walking a source.
type Entry struct {
	Item    DriveItem
	DriveID string
	// RelativePath is the slash-separated path from the source root to the
	// file, file name included. Empty for single-file sources.
	RelativePath string
}

type walkFrame struct {
	driveID string
	itemID  string
	prefix  string
}

// Walk enumerates every file under a source. Folder sources are traversed
// breadth-first with an explicit queue so deep trees cannot exhaust the stack.
// Shortcuts (remoteItem) are followed into the drive they point at.
func (c *Client) Walk(ctx context.Context, token string, src model.Source) ([]Entry, error) {
	if src.Type == model.SourceTypeFile {
		item, err := c.GetItem(ctx, token, src.DriveID, src.ItemID)
		if err != nil {
			return nil, err
		}
		driveID, it := resolveRemote(src.DriveID, item)
		return []Entry{{Item: *it, DriveID: driveID}}, nil
	}

	var out []Entry
	queue := []walkFrame{{driveID: src.DriveID, itemID: src.ItemID}}
	seen := map[string]bool{}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := queue[0]
		queue = queue[1:]

		key := frame.driveID + "/" + frame.itemID
		if seen[key] {
			continue
		}
		seen[key] = true

		children, err := c.ListChildren(ctx, token, frame.driveID, frame.itemID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child := &children[i]
			if child.Deleted != nil {
				continue
			}
			driveID, it := resolveRemote(frame.driveID, child)
			rel := path.Join(frame.prefix, child.Name)
			if it.IsFolder() {
				queue = append(queue, walkFrame{driveID: driveID, itemID: it.ID, prefix: rel})
				continue
			}
			entry := Entry{Item: *it, DriveID: driveID, RelativePath: rel}
			entry.Item.Name = child.Name
			out = append(out, entry)
		}
	}
	return out, nil
}

// resolveRemote returns the drive and item a shortcut points at, or the item
// itself when it is not a shortcut.
func resolveRemote(driveID string, item *DriveItem) (string, *DriveItem) {
	if item.RemoteItem == nil {
		if item.ParentReference != nil && item.ParentReference.DriveID != "" {
			driveID = item.ParentReference.DriveID
		}
		return driveID, item
	}
	remote := item.RemoteItem
	if remote.ParentReference != nil && remote.ParentReference.DriveID != "" {
		driveID = remote.ParentReference.DriveID
	}
	if remote.Name == "" {
		remote.Name = item.Name
	}
	return driveID, remote
}
