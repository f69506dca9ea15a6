// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestKeySanitizesSegments(t *testing.T) {
	if got := Key("kb/../x", "f1"); got != "kb_.._x/f1" {
		t.Errorf("unexpected key %q", got)
	}
	if got := Key("", ".."); got != "_/_" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestFSSinkPutOpenDelete(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSSink(root)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	key := Key("kb", "f1")
	if err := s.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
	if _, err := s.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSSinkShortWriteLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s, _ := NewFSSink(root)

	err := s.Put(context.Background(), Key("kb", "f1"), strings.NewReader("abc"), 10, "")
	if err == nil {
		t.Fatal("expected short write error")
	}
	entries, _ := os.ReadDir(filepath.Join(root, "kb"))
	if len(entries) != 0 {
		t.Errorf("expected no files left behind, got %d", len(entries))
	}
}

func TestFSSinkCancelledContext(t *testing.T) {
	s, _ := NewFSSink(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, Key("kb", "f"), strings.NewReader("x"), 1, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMinioSinkPutAndDelete(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	s, err := NewMinioSink(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "kb-docs",
	})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	if err := s.Put(ctx, "kb/f1", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "kb/f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"PUT /kb-docs/kb/f1", "DELETE /kb-docs/kb/f1"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}
