// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package graph_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/graph/graphtest"
	"github.com/hyper-ai-inc/kbsync/internal/model"
)

func setupDrive(t *testing.T) (*graph.Client, *graphtest.Server) {
	t.Helper()
	srv := graphtest.NewServer()
	t.Cleanup(srv.Close)

	srv.AddFolder("root", "docs", "Docs")
	srv.AddFile("docs", "a", "a.txt", []byte("alpha"))
	srv.AddFile("docs", "b", "b.txt", []byte("beta"))
	srv.AddFolder("docs", "sub", "Sub")
	srv.AddFile("sub", "c", "c.txt", []byte("gamma"))
	srv.AddFolder("sub", "deep", "Deep")
	srv.AddFile("deep", "d", "d.txt", []byte("delta"))

	c := graph.NewClient(srv.URL, srv.Client())
	graph.SetRetryDelays(c, 0, time.Millisecond, time.Millisecond)
	return c, srv
}

func TestListChildrenFollowsNextLink(t *testing.T) {
	c, _ := setupDrive(t)

	children, err := c.ListChildren(context.Background(), "tok", "drive-1", "docs")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children across pages, got %d", len(children))
	}
}

func TestWalkFolderSource(t *testing.T) {
	c, _ := setupDrive(t)

	entries, err := c.Walk(context.Background(), "tok", model.Source{
		Type: model.SourceTypeFolder, DriveID: "drive-1", ItemID: "docs", Name: "Docs",
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	got := map[string]string{}
	for _, e := range entries {
		got[e.Item.ID] = e.RelativePath
	}
	want := map[string]string{"a": "a.txt", "b": "b.txt", "c": "Sub/c.txt", "d": "Sub/Deep/d.txt"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for id, rel := range want {
		if got[id] != rel {
			t.Errorf("%s: expected %q, got %q", id, rel, got[id])
		}
	}
}

func TestWalkFileSource(t *testing.T) {
	c, _ := setupDrive(t)

	entries, err := c.Walk(context.Background(), "tok", model.Source{
		Type: model.SourceTypeFile, DriveID: "drive-1", ItemID: "a",
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(entries) != 1 || entries[0].RelativePath != "" || entries[0].DriveID != "drive-1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAccessDeniedClassified(t *testing.T) {
	c, srv := setupDrive(t)
	srv.Deny("docs")

	_, err := c.ListChildren(context.Background(), "tok", "drive-1", "docs")
	if !graph.IsAccessDenied(err) {
		t.Fatalf("expected access denied, got %v", err)
	}
	if graph.IsNotFound(err) {
		t.Error("403 must not look like 404")
	}

	_, err = c.GetItem(context.Background(), "tok", "drive-1", "missing")
	if !graph.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDownload(t *testing.T) {
	c, _ := setupDrive(t)

	rc, err := c.Download(context.Background(), "tok", "drive-1", "c")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "gamma" {
		t.Errorf("expected gamma, got %q", data)
	}
}

func TestThrottleRetried(t *testing.T) {
	c, srv := setupDrive(t)
	srv.Throttle(2)

	item, err := c.GetItem(context.Background(), "tok", "drive-1", "a")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if item.Name != "a.txt" {
		t.Errorf("unexpected item: %+v", item)
	}
}

func TestPermissionsGrantees(t *testing.T) {
	c, srv := setupDrive(t)
	srv.SetPermissions("a", graphtest.UserGrant("ann@example.com"), graph.Permission{
		ID: "link", Link: &graph.SharingLink{Scope: graph.LinkScopeAnonymous},
	})

	perms, err := c.ListPermissions(context.Background(), "tok", "drive-1", "a")
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %d", len(perms))
	}
	grantees := perms[0].Grantees()
	if len(grantees) != 1 || grantees[0].Email != "ann@example.com" {
		t.Errorf("unexpected grantees: %+v", grantees)
	}
	if perms[1].Link == nil || perms[1].Link.Scope != graph.LinkScopeAnonymous {
		t.Errorf("expected anonymous link, got %+v", perms[1])
	}
}
