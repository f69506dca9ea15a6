// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingPublisher) Publish(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func setupAuthFlow(t *testing.T) (*AuthFlow, *Vault, *recordingPublisher) {
	t.Helper()
	idp := newFakeIdP(t)
	src := NewOAuthSource(OAuthConfig{ClientID: "client", RedirectURL: "http://svc.test/callback", Endpoint: idp.endpoint}, nil, nil)
	vault, _ := setupTestVault(t, src)
	pub := &recordingPublisher{}
	return NewAuthFlow(src, vault, NewRandomSealer(), pub), vault, pub
}

func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge") == "" || q.Get("access_type") != "offline" {
		t.Errorf("consent url missing pkce/offline params: %s", authURL)
	}
	return q.Get("state")
}

func TestAuthFlowCompletes(t *testing.T) {
	flow, vault, pub := setupAuthFlow(t)
	ctx := context.Background()

	authURL, err := flow.Begin("kb1", "chan-1", model.AccountOrganizations)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ev := flow.Complete(ctx, stateFrom(t, authURL), "good-code", "", "")
	if !ev.Success || ev.ChannelID != "chan-1" || ev.KnowledgeID != "kb1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	status, _ := vault.Status(ctx, "kb1")
	if !status.HasToken {
		t.Error("token not stored")
	}
	if len(pub.events) != 1 || pub.events[0].Type != model.EventAuthCallback {
		t.Errorf("expected one auth:callback event, got %+v", pub.events)
	}
}

func TestAuthFlowReportsConsentError(t *testing.T) {
	flow, vault, _ := setupAuthFlow(t)
	authURL, _ := flow.Begin("kb1", "chan-1", model.AccountOrganizations)

	ev := flow.Complete(context.Background(), stateFrom(t, authURL), "", "access_denied", "user declined")
	if ev.Success || !strings.Contains(ev.Error, "access_denied") || ev.ChannelID != "chan-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	status, _ := vault.Status(context.Background(), "kb1")
	if status.HasToken {
		t.Error("no token should be stored on denial")
	}
}

func TestAuthFlowRejectsTamperedState(t *testing.T) {
	flow, _, pub := setupAuthFlow(t)
	ev := flow.Complete(context.Background(), "bm90LXNlYWxlZA", "good-code", "", "")
	if ev.Success || ev.ChannelID != "" {
		t.Fatalf("tampered state accepted: %+v", ev)
	}
	if len(pub.events) != 1 || pub.events[0].Auth.ChannelID != "" {
		t.Errorf("expected uncorrelated failure event, got %+v", pub.events)
	}
}

func TestAuthFlowStateExpires(t *testing.T) {
	flow, _, _ := setupAuthFlow(t)
	authURL, _ := flow.Begin("kb1", "chan-1", model.AccountOrganizations)
	flow.now = func() time.Time { return time.Now().Add(time.Hour) }

	ev := flow.Complete(context.Background(), stateFrom(t, authURL), "good-code", "", "")
	if ev.Success {
		t.Fatal("expired state accepted")
	}
}

func TestCallbackPageCarriesChannel(t *testing.T) {
	page, err := CallbackPage(model.AuthCallbackEvent{ChannelID: "chan-9", Success: true}, "https://app.test")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(page)
	for _, want := range []string{CallbackMessageType, "chan-9", "https://app.test", "postMessage"} {
		if !strings.Contains(s, want) {
			t.Errorf("callback page missing %q", want)
		}
	}
}

func TestAwaitAuthorizationViaEvent(t *testing.T) {
	events := make(chan model.Event, 2)
	events <- model.Event{Type: model.EventAuthCallback, Auth: &model.AuthCallbackEvent{ChannelID: "other", Success: false}}
	events <- model.Event{Type: model.EventAuthCallback, Auth: &model.AuthCallbackEvent{ChannelID: "mine", Success: true}}

	status := func(context.Context) (model.TokenStatus, error) { return model.TokenStatus{}, nil }
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := AwaitAuthorization(ctx, events, "mine", status, time.Hour); err != nil {
		t.Fatalf("await: %v", err)
	}
}

func TestAwaitAuthorizationFailureEvent(t *testing.T) {
	events := make(chan model.Event, 1)
	events <- model.Event{Type: model.EventAuthCallback, Auth: &model.AuthCallbackEvent{ChannelID: "mine", Error: "denied"}}

	status := func(context.Context) (model.TokenStatus, error) { return model.TokenStatus{}, nil }
	err := AwaitAuthorization(context.Background(), events, "mine", status, time.Hour)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected denial error, got %v", err)
	}
}

func TestAwaitAuthorizationPollingFallback(t *testing.T) {
	var mu sync.Mutex
	old := time.Now().Add(-time.Hour)
	current := model.TokenStatus{HasToken: true, NeedsReauth: true, TokenStoredAt: &old}
	status := func(context.Context) (model.TokenStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		now := time.Now()
		current = model.TokenStatus{HasToken: true, TokenStoredAt: &now}
		mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := AwaitAuthorization(ctx, nil, "mine", status, 10*time.Millisecond); err != nil {
		t.Fatalf("await via polling: %v", err)
	}
}

func TestAwaitAuthorizationHonorsContext(t *testing.T) {
	status := func(context.Context) (model.TokenStatus, error) { return model.TokenStatus{}, nil }
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := AwaitAuthorization(ctx, nil, "mine", status, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
