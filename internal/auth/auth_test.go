// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(UserFromContext(r.Context())))
}

func TestRequireAuth(t *testing.T) {
	m := NewMiddleware("secret")
	h := m.RequireAuthFunc(echoUser)

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"internal", map[string]string{"X-Internal-Token": "secret"}, http.StatusOK},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong internal wins over bearer", map[string]string{"X-Internal-Token": "nope", "Authorization": "Bearer secret"}, http.StatusUnauthorized},
		{"basic scheme", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"none", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestEmptyTokenFailsClosed(t *testing.T) {
	m := NewMiddleware("")
	if m.IsEnabled() {
		t.Fatal("IsEnabled with empty token")
	}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	m.RequireAuthFunc(echoUser)(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUserCarriedInContext(t *testing.T) {
	m := NewMiddleware("secret")
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(UserHeader, "u1")
	rec := httptest.NewRecorder()
	m.RequireAuthFunc(echoUser)(rec, req)
	if rec.Body.String() != "u1" {
		t.Fatalf("user = %q, want u1", rec.Body.String())
	}
}

func TestQueryTokenOnlyWhereAllowed(t *testing.T) {
	m := NewMiddleware("secret")

	req := httptest.NewRequest(http.MethodGet, "/x?token=secret&user_id=u2", nil)
	rec := httptest.NewRecorder()
	m.RequireAuthFunc(echoUser)(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("header-only route accepted query token: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	m.RequireAuthQueryFunc(echoUser)(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "u2" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}
