// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package picker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

func TestNormalizePickCommand(t *testing.T) {
	payload := `{"command":"pick","items":[
		{"id":"f1","name":"Docs","folder":{"childCount":2},"parentReference":{"driveId":"d1","path":"/drive/root:"}},
		{"id":"x1","name":"report.pdf","file":{},"parentReference":{"driveId":"d1","path":"/drives/d1/root:/Team/Q3"}},
		{"id":"f1","name":"Docs again","folder":{},"parentReference":{"driveId":"d1"}}
	]}`
	items, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected duplicate dropped, got %+v", items)
	}
	if items[0].Type != model.SourceTypeFolder || items[0].ItemPath != "/Docs" || items[0].Name != "Docs" {
		t.Errorf("unexpected folder item: %+v", items[0])
	}
	if items[1].Type != model.SourceTypeFile || items[1].ItemPath != "/Team/Q3/report.pdf" || items[1].DriveID != "d1" {
		t.Errorf("unexpected file item: %+v", items[1])
	}
}

func TestNormalizeLegacyValueAndRemoteItem(t *testing.T) {
	payload := `{"value":[
		{"id":"shortcut","name":"Shared Plans","remoteItem":{"id":"r1","folder":{},"parentReference":{"driveId":"d2","path":"/drives/d2/root:/Plans"}}},
		{"id":"pkg","name":"Notebook","package":{"type":"oneNote"},"parentReference":{"driveId":"d1"}}
	]}`
	items, err := Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %+v", items)
	}
	remote := items[0]
	if remote.ItemID != "r1" || remote.DriveID != "d2" || remote.Name != "Shared Plans" || remote.Type != model.SourceTypeFolder {
		t.Errorf("remote item not followed: %+v", remote)
	}
	if items[1].Type != model.SourceTypeFolder {
		t.Errorf("package should be treated as folder: %+v", items[1])
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	for _, payload := range []string{`{"items":[]}`, `{"value":[{"name":"no id"}]}`} {
		if _, err := Normalize([]byte(payload)); !errors.Is(err, ErrEmptySelection) {
			t.Errorf("%s: expected ErrEmptySelection, got %v", payload, err)
		}
	}
	if _, err := Normalize([]byte(`{"command":"close"}`)); err == nil {
		t.Error("expected error for non-pick command")
	}
	if _, err := Normalize([]byte(`not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestItemPath(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"", "a.txt", "/a.txt"},
		{"/drive/root:", "a.txt", "/a.txt"},
		{"/drive/root:/x/y", "a.txt", "/x/y/a.txt"},
		{"/drives/abc/root:/x", "a.txt", "/x/a.txt"},
	}
	for _, tt := range tests {
		if got := ItemPath(tt.parent, tt.name); got != tt.want {
			t.Errorf("ItemPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestSourcesFromItems(t *testing.T) {
	srcs := SourcesFromItems([]model.SyncItem{{Type: model.SourceTypeFile, DriveID: "d", ItemID: "i", Name: "n"}})
	if len(srcs) != 1 || srcs[0].ItemID != "i" || srcs[0].Type != model.SourceTypeFile {
		t.Errorf("unexpected sources: %+v", srcs)
	}
}

type fakeTokens struct {
	scope model.Scope
	err   error
	// stamp overrides the scope recorded on the returned token.
	stamp model.Scope
}

func (f *fakeTokens) AcquireToken(ctx context.Context, scope model.Scope, acct model.AccountType) (*model.AccessToken, error) {
	f.scope = scope
	if f.err != nil {
		return nil, f.err
	}
	stamped := scope
	if f.stamp != "" {
		stamped = f.stamp
	}
	return &model.AccessToken{Scope: stamped, AccountType: acct, Value: "picker-token"}, nil
}

func send(t *testing.T, port *ChanPort, msg Message) {
	t.Helper()
	select {
	case port.In <- msg:
	case <-time.After(time.Second):
		t.Fatal("session not receiving")
	}
}

func recv(t *testing.T, port *ChanPort) Message {
	t.Helper()
	select {
	case msg := <-port.Out:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no reply from session")
		return Message{}
	}
}

func decodeResult(t *testing.T, msg Message) result {
	t.Helper()
	if msg.Type != "result" {
		t.Fatalf("expected result, got %+v", msg)
	}
	var r result
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return r
}

func commandMsg(id, body string) Message {
	return Message{Type: "command", ID: id, Data: json.RawMessage(body)}
}

func TestSessionProtocol(t *testing.T) {
	port := NewChanPort()
	tokens := &fakeTokens{}
	sess := NewSession(port, tokens, model.AccountOrganizations, "ch-1")

	type outcome struct {
		items []model.SyncItem
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		items, err := sess.Run(context.Background())
		done <- outcome{items, err}
	}()

	send(t, port, Message{Type: "initialize", ChannelID: "ch-1"})
	if msg := recv(t, port); msg.Type != "activate" {
		t.Fatalf("expected activate, got %+v", msg)
	}

	send(t, port, commandMsg("1", `{"command":"authenticate","resource":"https://contoso.sharepoint.com"}`))
	if ack := recv(t, port); ack.Type != "acknowledge" || ack.ID != "1" {
		t.Fatalf("expected acknowledge, got %+v", ack)
	}
	if r := decodeResult(t, recv(t, port)); r.Result != "token" || r.Token != "picker-token" {
		t.Fatalf("unexpected auth result: %+v", r)
	}
	if tokens.scope != model.ScopePicker {
		t.Errorf("expected picker scope, got %s", tokens.scope)
	}

	send(t, port, commandMsg("2", `{"command":"navigate"}`))
	recv(t, port)
	if r := decodeResult(t, recv(t, port)); r.Result != "error" || r.Error.Code != "unsupportedCommand" {
		t.Fatalf("unexpected result: %+v", r)
	}

	send(t, port, commandMsg("3", `{"command":"pick","items":[{"id":"a","name":"a.txt","file":{},"parentReference":{"driveId":"d"}}]}`))
	recv(t, port)
	if r := decodeResult(t, recv(t, port)); r.Result != "success" {
		t.Fatalf("unexpected pick result: %+v", r)
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("run: %v", out.err)
	}
	if len(out.items) != 1 || out.items[0].ItemID != "a" {
		t.Errorf("unexpected selection: %+v", out.items)
	}
}

func TestSessionAuthenticateFailure(t *testing.T) {
	port := NewChanPort()
	sess := NewSession(port, &fakeTokens{err: errors.New("consent required")}, model.AccountPersonal, "ch")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	send(t, port, commandMsg("1", `{"command":"authenticate"}`))
	recv(t, port)
	r := decodeResult(t, recv(t, port))
	if r.Result != "error" || r.Error.Code != "unableToObtainToken" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestSessionRefusesDataAccessToken(t *testing.T) {
	port := NewChanPort()
	sess := NewSession(port, &fakeTokens{stamp: model.ScopeDataAccess}, model.AccountOrganizations, "ch")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	send(t, port, commandMsg("1", `{"command":"authenticate"}`))
	recv(t, port)
	r := decodeResult(t, recv(t, port))
	if r.Result != "error" || r.Token != "" {
		t.Fatalf("a data-access token must not reach the picker: %+v", r)
	}
}

func TestSessionClose(t *testing.T) {
	port := NewChanPort()
	sess := NewSession(port, &fakeTokens{}, model.AccountPersonal, "ch")
	done := make(chan error, 1)
	go func() {
		_, err := sess.Run(context.Background())
		done <- err
	}()

	send(t, port, commandMsg("9", `{"command":"close"}`))
	recv(t, port)
	recv(t, port)
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSessionContextCancel(t *testing.T) {
	port := NewChanPort()
	sess := NewSession(port, &fakeTokens{}, model.AccountPersonal, "ch")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sess.Run(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func TestLaunchURL(t *testing.T) {
	raw, err := LaunchURL(LaunchOptions{
		BaseURL: "https://contoso-my.sharepoint.com", ChannelID: "ch-7", Origin: "https://app.example", Multiple: true,
	})
	if err != nil {
		t.Fatalf("launch url: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Path != "/_layouts/15/FilePicker.aspx" {
		t.Errorf("unexpected path %q", u.Path)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal([]byte(u.Query().Get("filePicker")), &cfg); err != nil {
		t.Fatalf("decode options: %v", err)
	}
	messaging := cfg["messaging"].(map[string]interface{})
	if messaging["channelId"] != "ch-7" || messaging["origin"] != "https://app.example" {
		t.Errorf("unexpected messaging: %v", messaging)
	}
	if cfg["selection"].(map[string]interface{})["mode"] != "multiple" {
		t.Errorf("expected multiple selection")
	}

	if _, err := LaunchURL(LaunchOptions{BaseURL: "https://x"}); err == nil {
		t.Error("expected error without channel id")
	}
}

func TestWSPortRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		port := NewWSPort(conn)
		msg, err := port.Receive(context.Background())
		if err != nil {
			return
		}
		received <- msg
		port.Send(context.Background(), Message{Type: "activate"})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Message{Type: "initialize", ChannelID: "c"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Type != "initialize" || msg.ChannelID != "c" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive")
	}
	var reply Message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil || reply.Type != "activate" {
		t.Fatalf("unexpected reply %+v err=%v", reply, err)
	}
}
