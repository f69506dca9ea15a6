// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package tree groups a knowledge base's flat file list into folder trees, one
// per tracked folder source.
package tree

import (
	"sort"
	"strings"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// FolderNode is a folder in a source tree. Path is the slash-separated path
// from the source root; the root node has an empty Path.
type FolderNode struct {
	Name         string             `json:"name"`
	Path         string             `json:"path"`
	SourceItemID string             `json:"source_item_id,omitempty"`
	Children     []*FolderNode      `json:"children"`
	Files        []model.FileRecord `json:"files"`
}

// FileCount returns the number of files in the node and all descendants.
func (n *FolderNode) FileCount() int {
	count := 0
	stack := []*FolderNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		count += len(cur.Files)
		stack = append(stack, cur.Children...)
	}
	return count
}

// Tree is the grouped view. Loose files belong to no folder source.
type Tree struct {
	Roots []*FolderNode      `json:"roots"`
	Loose []model.FileRecord `json:"loose"`
}

// FileCount returns the total number of files in the tree.
func (t *Tree) FileCount() int {
	count := len(t.Loose)
	for _, r := range t.Roots {
		count += r.FileCount()
	}
	return count
}

// Build groups files under their folder sources. A file is loose when it has
// no relative path, comes from a single-file source, or names a source that
// is not tracked. The result depends only on the inputs and is fully sorted.
func Build(files []model.FileRecord, sources []model.Source) *Tree {
	t := &Tree{Roots: []*FolderNode{}, Loose: []model.FileRecord{}}

	roots := make(map[string]*FolderNode)
	for _, s := range sources {
		if s.Type != model.SourceTypeFolder {
			continue
		}
		if _, ok := roots[s.ItemID]; ok {
			continue
		}
		root := &FolderNode{Name: s.Name, SourceItemID: s.ItemID, Children: []*FolderNode{}, Files: []model.FileRecord{}}
		roots[s.ItemID] = root
		t.Roots = append(t.Roots, root)
	}

	// nodes is keyed by source item id then cumulative path.
	nodes := make(map[string]map[string]*FolderNode)
	for _, f := range files {
		root, ok := roots[f.Meta.SourceItemID]
		parts := splitPath(f.Meta.RelativePath)
		if !ok || len(parts) == 0 {
			t.Loose = append(t.Loose, f)
			continue
		}
		byPath := nodes[root.SourceItemID]
		if byPath == nil {
			byPath = make(map[string]*FolderNode)
			nodes[root.SourceItemID] = byPath
		}

		node := root
		for i, dir := range parts[:len(parts)-1] {
			p := strings.Join(parts[:i+1], "/")
			child, ok := byPath[p]
			if !ok {
				child = &FolderNode{Name: dir, Path: p, Children: []*FolderNode{}, Files: []model.FileRecord{}}
				byPath[p] = child
				node.Children = append(node.Children, child)
			}
			node = child
		}
		node.Files = append(node.Files, f)
	}

	sort.Slice(t.Roots, func(i, j int) bool {
		if t.Roots[i].Name != t.Roots[j].Name {
			return t.Roots[i].Name < t.Roots[j].Name
		}
		return t.Roots[i].SourceItemID < t.Roots[j].SourceItemID
	})
	for _, r := range t.Roots {
		sortNode(r)
	}
	sortFiles(t.Loose)
	return t
}

func sortNode(root *FolderNode) {
	stack := []*FolderNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sort.Slice(n.Children, func(i, j int) bool {
			if n.Children[i].Name != n.Children[j].Name {
				return n.Children[i].Name < n.Children[j].Name
			}
			return n.Children[i].Path < n.Children[j].Path
		})
		sortFiles(n.Files)
		stack = append(stack, n.Children...)
	}
}

func sortFiles(files []model.FileRecord) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].ID < files[j].ID
	})
}

// splitPath splits on both separators and drops empty and "." segments.
func splitPath(p string) []string {
	fields := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	out := fields[:0]
	for _, f := range fields {
		if f != "." {
			out = append(out, f)
		}
	}
	return out
}

// FilesForSource returns the files imported from the source with itemID.
func FilesForSource(files []model.FileRecord, itemID string) []model.FileRecord {
	var out []model.FileRecord
	for _, f := range files {
		if f.Meta.SourceItemID == itemID {
			out = append(out, f)
		}
	}
	return out
}
