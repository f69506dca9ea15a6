// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tree

import (
	"reflect"
	"testing"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

func file(id, name, src, rel string) model.FileRecord {
	return model.FileRecord{ID: id, Name: name, Status: model.FileUploaded, Meta: model.FileMeta{
		Source: model.SourceKindOneDrive, SourceItemID: src, RelativePath: rel,
	}}
}

func sampleInput() ([]model.FileRecord, []model.Source) {
	sources := []model.Source{
		{Type: model.SourceTypeFolder, DriveID: "d", ItemID: "docs", Name: "Docs"},
		{Type: model.SourceTypeFile, DriveID: "d", ItemID: "single", Name: "single.pdf"},
		{Type: model.SourceTypeFolder, DriveID: "d", ItemID: "arch", Name: "Archive"},
	}
	files := []model.FileRecord{
		file("5", "d.txt", "docs", "Sub/Deep/d.txt"),
		file("1", "b.txt", "docs", "b.txt"),
		file("2", "a.txt", "docs", "a.txt"),
		file("3", "c.txt", "docs", `Sub\c.txt`),
		file("4", "single.pdf", "single", ""),
		file("6", "orphan.txt", "gone", "x/orphan.txt"),
		{ID: "7", Name: "local.md", Status: model.FileUploaded, Meta: model.FileMeta{Source: model.SourceKindLocal}},
		file("8", "old.txt", "arch", "2019/old.txt"),
	}
	return files, sources
}

func TestBuildGroupsBySource(t *testing.T) {
	files, sources := sampleInput()
	tr := Build(files, sources)

	if len(tr.Roots) != 2 || tr.Roots[0].Name != "Archive" || tr.Roots[1].Name != "Docs" {
		t.Fatalf("unexpected roots: %+v", tr.Roots)
	}
	docs := tr.Roots[1]
	if len(docs.Files) != 2 || docs.Files[0].Name != "a.txt" || docs.Files[1].Name != "b.txt" {
		t.Errorf("unexpected root files: %+v", docs.Files)
	}
	if len(docs.Children) != 1 || docs.Children[0].Path != "Sub" {
		t.Fatalf("unexpected children: %+v", docs.Children)
	}
	sub := docs.Children[0]
	if len(sub.Files) != 1 || sub.Files[0].ID != "3" {
		t.Errorf("backslash path not split: %+v", sub.Files)
	}
	if len(sub.Children) != 1 || sub.Children[0].Path != "Sub/Deep" || len(sub.Children[0].Files) != 1 {
		t.Errorf("deep node wrong: %+v", sub.Children)
	}

	if len(tr.Loose) != 3 {
		t.Fatalf("expected 3 loose files, got %+v", tr.Loose)
	}
	want := []string{"local.md", "orphan.txt", "single.pdf"}
	for i, f := range tr.Loose {
		if f.Name != want[i] {
			t.Errorf("loose[%d] = %s, want %s", i, f.Name, want[i])
		}
	}
}

func TestFileCountIsRecursive(t *testing.T) {
	files, sources := sampleInput()
	tr := Build(files, sources)

	docs := tr.Roots[1]
	if docs.FileCount() != 4 {
		t.Errorf("expected 4 files under Docs, got %d", docs.FileCount())
	}
	if docs.Children[0].FileCount() != 2 {
		t.Errorf("expected 2 under Sub, got %d", docs.Children[0].FileCount())
	}
	if tr.FileCount() != len(files) {
		t.Errorf("expected every file reachable, got %d of %d", tr.FileCount(), len(files))
	}

	// Counts follow the input, nothing is cached between builds.
	more := append(files, file("9", "e.txt", "docs", "Sub/e.txt"))
	if got := Build(more, sources).Roots[1].FileCount(); got != 5 {
		t.Errorf("expected 5 after adding a file, got %d", got)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	files, sources := sampleInput()
	first := Build(files, sources)

	reversed := make([]model.FileRecord, len(files))
	for i, f := range files {
		reversed[len(files)-1-i] = f
	}
	for i := 0; i < 5; i++ {
		if !reflect.DeepEqual(first, Build(files, sources)) {
			t.Fatal("repeated builds differ")
		}
	}
	if !reflect.DeepEqual(first, Build(reversed, sources)) {
		t.Fatal("build depends on input order")
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	files, sources := sampleInput()
	before := make([]model.FileRecord, len(files))
	copy(before, files)
	Build(files, sources)
	if !reflect.DeepEqual(before, files) {
		t.Error("input slice was reordered")
	}
}

func TestEmptyFolderSourceStillListed(t *testing.T) {
	tr := Build(nil, []model.Source{{Type: model.SourceTypeFolder, ItemID: "x", Name: "Empty"}})
	if len(tr.Roots) != 1 || tr.Roots[0].FileCount() != 0 {
		t.Fatalf("unexpected tree: %+v", tr)
	}
}

func TestFilesForSource(t *testing.T) {
	files, _ := sampleInput()
	got := FilesForSource(files, "docs")
	if len(got) != 4 {
		t.Fatalf("expected 4, got %d", len(got))
	}
	for _, f := range got {
		if f.Meta.SourceItemID != "docs" {
			t.Errorf("unexpected file %+v", f)
		}
	}
}
