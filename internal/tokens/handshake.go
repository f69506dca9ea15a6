// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// CallbackMessageType tags the message the callback page posts to its opener.
const CallbackMessageType = "onedrive_auth_callback"

var stateAAD = []byte("auth-state")

// ErrStateInvalid is returned for a tampered, foreign or expired state.
var ErrStateInvalid = errors.New("authorization state invalid or expired")

// Publisher delivers events to listening clients.
type Publisher interface {
	Publish(ev model.Event)
}

// NewChannelID returns a fresh correlation id for one authorization attempt.
func NewChannelID() string {
	return uuid.NewString()
}

type authState struct {
	KnowledgeID string            `json:"kb"`
	ChannelID   string            `json:"ch"`
	AccountType model.AccountType `json:"acct"`
	Verifier    string            `json:"v"`
	Expires     int64             `json:"exp"`
}

// AuthFlow is the server half of the out-of-band authorization handshake.
// Begin produces a consent URL whose state carries the knowledge base and
// channel id; Complete exchanges the code, stores the token and announces
// the outcome on the channel.
type AuthFlow struct {
	source *OAuthSource
	vault  *Vault
	sealer *Sealer
	pub    Publisher
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthFlow wires the handshake.
func NewAuthFlow(source *OAuthSource, vault *Vault, sealer *Sealer, pub Publisher) *AuthFlow {
	return &AuthFlow{source: source, vault: vault, sealer: sealer, pub: pub, ttl: 10 * time.Minute, now: time.Now}
}

// Begin returns the consent URL for a knowledge base.
func (f *AuthFlow) Begin(knowledgeID, channelID string, acct model.AccountType) (string, error) {
	if knowledgeID == "" || channelID == "" {
		return "", errors.New("knowledge_id and channel_id required")
	}
	verifier := oauth2.GenerateVerifier()
	data, err := json.Marshal(authState{
		KnowledgeID: knowledgeID,
		ChannelID:   channelID,
		AccountType: acct,
		Verifier:    verifier,
		Expires:     f.now().Add(f.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(f.sealer.Seal(data, stateAAD))
	cfg := f.source.Config(model.ScopeDataAccess, acct)
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)), nil
}

func (f *AuthFlow) decodeState(state string) (*authState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return nil, ErrStateInvalid
	}
	pt, err := f.sealer.Open(raw, stateAAD)
	if err != nil {
		return nil, ErrStateInvalid
	}
	var st authState
	if err := json.Unmarshal(pt, &st); err != nil {
		return nil, ErrStateInvalid
	}
	if f.now().Unix() > st.Expires {
		return nil, ErrStateInvalid
	}
	return &st, nil
}

// Complete finishes the flow and publishes auth:callback. The returned event
// is what the callback page posts to its opener. A state that cannot be
// decoded yields an event with no channel, which no client will match.
func (f *AuthFlow) Complete(ctx context.Context, state, code, errCode, errDesc string) model.AuthCallbackEvent {
	st, err := f.decodeState(state)
	if err != nil {
		log.Printf("[tokens] auth callback rejected: %v", err)
		return model.AuthCallbackEvent{Success: false, Error: err.Error()}
	}
	ev := model.AuthCallbackEvent{KnowledgeID: st.KnowledgeID, ChannelID: st.ChannelID}

	switch {
	case errCode != "":
		ev.Error = fmt.Sprintf("%s: %s", errCode, errDesc)
	case code == "":
		ev.Error = "authorization code missing"
	default:
		tok, err := f.source.Config(model.ScopeDataAccess, st.AccountType).Exchange(ctx, code, oauth2.VerifierOption(st.Verifier))
		if err != nil {
			ev.Error = fmt.Sprintf("exchange code: %v", err)
			break
		}
		if err := f.vault.Put(ctx, st.KnowledgeID, st.AccountType, tok); err != nil {
			ev.Error = fmt.Sprintf("store token: %v", err)
			break
		}
		ev.Success = true
	}

	if ev.Success {
		log.Printf("[tokens] authorization stored for %s (channel %s)", ev.KnowledgeID, ev.ChannelID)
	} else {
		log.Printf("[tokens] authorization failed for %s (channel %s): %s", ev.KnowledgeID, ev.ChannelID, ev.Error)
	}
	if f.pub != nil {
		f.pub.Publish(model.Event{Type: model.EventAuthCallback, Auth: &ev})
	}
	return ev
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Authorization</title></head>
<body>
<p>{{if .Success}}Authorization complete.{{else}}Authorization failed.{{end}} You can close this window.</p>
<script>
(function () {
  var msg = {{.Message}};
  try {
    if (window.opener) { window.opener.postMessage(msg, {{.TargetOrigin}}); }
  } catch (e) {}
  setTimeout(function () { window.close(); }, 500);
})();
</script>
</body></html>
`))

type callbackMessage struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ChannelID string `json:"channel_id"`
}

// CallbackPage renders the page that posts the outcome to the opener window.
// The opener may be unreachable (popup blockers, cross-origin isolation);
// clients then fall back to polling token status.
func CallbackPage(ev model.AuthCallbackEvent, targetOrigin string) ([]byte, error) {
	if targetOrigin == "" {
		targetOrigin = "*"
	}
	var buf bytes.Buffer
	err := callbackPage.Execute(&buf, struct {
		Success      bool
		Message      callbackMessage
		TargetOrigin string
	}{
		Success:      ev.Success,
		Message:      callbackMessage{Type: CallbackMessageType, Success: ev.Success, Error: ev.Error, ChannelID: ev.ChannelID},
		TargetOrigin: targetOrigin,
	})
	return buf.Bytes(), err
}

// StatusFunc fetches the token status of the knowledge base being authorized.
type StatusFunc func(ctx context.Context) (model.TokenStatus, error)

// AwaitAuthorization is the client half of the handshake. It completes on
// the first auth:callback for channelID, or when polling shows a newly
// stored usable token, whichever comes first. events may be nil when no
// push channel is available.
func AwaitAuthorization(ctx context.Context, events <-chan model.Event, channelID string, status StatusFunc, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	var baseline *time.Time
	if st, err := status(ctx); err == nil {
		baseline = st.TokenStoredAt
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type != model.EventAuthCallback || ev.Auth == nil || ev.Auth.ChannelID != channelID {
				continue
			}
			if !ev.Auth.Success {
				return fmt.Errorf("authorization failed: %s", ev.Auth.Error)
			}
			return nil

		case <-ticker.C:
			st, err := status(ctx)
			if err != nil {
				log.Printf("[tokens] token status poll failed: %v", err)
				continue
			}
			if st.HasToken && !st.NeedsReauth && st.TokenStoredAt != nil &&
				(baseline == nil || st.TokenStoredAt.After(*baseline)) {
				return nil
			}
		}
	}
}
