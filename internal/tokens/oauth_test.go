// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// fakeIdP is a token endpoint that issues numbered tokens.
type fakeIdP struct {
	*httptest.Server
	mu     sync.Mutex
	issued int
	scopes []string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		f.scopes = append(f.scopes, r.Form.Get("scope"))
		f.mu.Unlock()

		switch r.Form.Get("grant_type") {
		case "refresh_token":
			if r.Form.Get("refresh_token") == "revoked" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70008"}`))
				return
			}
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		}
		f.mu.Lock()
		f.issued++
		n := f.issued
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("at-%d", n),
			"refresh_token": fmt.Sprintf("rt-%d", n),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdP) endpoint(model.AccountType) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   f.URL + "/authorize",
		TokenURL:  f.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

type memRefreshStore struct {
	mu   sync.Mutex
	toks map[model.AccountType]*oauth2.Token
}

func (m *memRefreshStore) Load(acct model.AccountType) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.toks[acct]; ok {
		return tok, nil
	}
	return nil, ErrNoRefreshToken
}

func (m *memRefreshStore) Save(acct model.AccountType, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toks[acct] = tok
	return nil
}

func TestSilentRedeemsAndRotatesRefreshToken(t *testing.T) {
	idp := newFakeIdP(t)
	refresh := &memRefreshStore{toks: map[model.AccountType]*oauth2.Token{
		model.AccountOrganizations: {RefreshToken: "rt-initial"},
	}}
	src := NewOAuthSource(OAuthConfig{ClientID: "client", Endpoint: idp.endpoint}, refresh, nil)

	tok, err := src.Silent(context.Background(), model.ScopePicker, model.AccountOrganizations)
	if err != nil {
		t.Fatalf("silent: %v", err)
	}
	if tok.AccessToken != "at-1" {
		t.Errorf("unexpected access token %q", tok.AccessToken)
	}
	saved, _ := refresh.Load(model.AccountOrganizations)
	if saved.RefreshToken != "rt-1" {
		t.Errorf("rotated refresh token not saved, have %q", saved.RefreshToken)
	}
	if len(idp.scopes) != 1 || idp.scopes[0] != "Files.Read.All offline_access" {
		t.Errorf("unexpected scopes requested: %v", idp.scopes)
	}
}

func TestSilentWithoutConsent(t *testing.T) {
	src := NewOAuthSource(OAuthConfig{ClientID: "client"}, &memRefreshStore{toks: map[model.AccountType]*oauth2.Token{}}, nil)
	if _, err := src.Silent(context.Background(), model.ScopePicker, model.AccountPersonal); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if _, err := src.Interactive(context.Background(), model.ScopePicker, model.AccountPersonal); !errors.Is(err, ErrInteractionRequired) {
		t.Fatalf("expected ErrInteractionRequired without authorizer, got %v", err)
	}
}

func TestRevokedRefreshTokenIsInvalidGrant(t *testing.T) {
	idp := newFakeIdP(t)
	src := NewOAuthSource(OAuthConfig{ClientID: "client", Endpoint: idp.endpoint}, nil, nil)

	_, err := src.Refresh(context.Background(), model.ScopeDataAccess, model.AccountOrganizations, "revoked")
	if !IsInvalidGrant(err) {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
}

func TestMicrosoftEndpointPerAccountType(t *testing.T) {
	src := NewOAuthSource(OAuthConfig{ClientID: "client", Tenant: "contoso.onmicrosoft.com"}, nil, nil)
	personal := src.Config(model.ScopePicker, model.AccountPersonal).Endpoint.TokenURL
	org := src.Config(model.ScopePicker, model.AccountOrganizations).Endpoint.TokenURL
	if personal != "https://login.microsoftonline.com/consumers/oauth2/v2.0/token" {
		t.Errorf("unexpected personal endpoint %s", personal)
	}
	if org != "https://login.microsoftonline.com/contoso.onmicrosoft.com/oauth2/v2.0/token" {
		t.Errorf("unexpected org endpoint %s", org)
	}
}

func TestFileRefreshStoreSealsAtRest(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileRefreshStore(dir, NewRandomSealer())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Load(model.AccountPersonal); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if err := s.Save(model.AccountPersonal, &oauth2.Token{RefreshToken: "plain-secret"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	tok, err := s.Load(model.AccountPersonal)
	if err != nil || tok.RefreshToken != "plain-secret" {
		t.Fatalf("load: tok=%v err=%v", tok, err)
	}
}

func TestSealerBindsAssociatedData(t *testing.T) {
	s := NewRandomSealer()
	sealed := s.Seal([]byte("secret"), []byte("kb1"))
	if _, err := s.Open(sealed, []byte("kb2")); !errors.Is(err, ErrSealBroken) {
		t.Fatalf("expected ErrSealBroken for foreign aad, got %v", err)
	}
	pt, err := s.Open(sealed, []byte("kb1"))
	if err != nil || string(pt) != "secret" {
		t.Fatalf("open: %q %v", pt, err)
	}
	if _, err := s.Open([]byte{1, 2}, nil); !errors.Is(err, ErrSealBroken) {
		t.Fatalf("expected ErrSealBroken for short input, got %v", err)
	}
}
