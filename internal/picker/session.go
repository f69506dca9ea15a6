// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package picker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// ErrClosed is returned when the user closes the picker without picking.
var ErrClosed = errors.New("picker closed without a selection")

// Message is one frame of the picker protocol.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type command struct {
	Command  string `json:"command"`
	Resource string `json:"resource,omitempty"`
}

type result struct {
	Result string       `json:"result"`
	Token  string       `json:"token,omitempty"`
	Error  *resultError `json:"error,omitempty"`
}

type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Port carries picker messages in both directions.
type Port interface {
	Receive(ctx context.Context) (Message, error)
	Send(ctx context.Context, msg Message) error
}

// TokenSource issues picker-scope tokens.
type TokenSource interface {
	AcquireToken(ctx context.Context, scope model.Scope, acct model.AccountType) (*model.AccessToken, error)
}

// Session answers one picker instance until it picks or closes.
type Session struct {
	port        Port
	tokens      TokenSource
	accountType model.AccountType
	channelID   string
}

// NewSession creates a session bound to channelID.
func NewSession(port Port, tokens TokenSource, acct model.AccountType, channelID string) *Session {
	return &Session{port: port, tokens: tokens, accountType: acct, channelID: channelID}
}

// Run serves the protocol: it activates on initialize, acknowledges every
// command, answers authenticate with a picker token, and returns the
// normalized selection on pick. close ends the session with ErrClosed.
func (s *Session) Run(ctx context.Context) ([]model.SyncItem, error) {
	for {
		msg, err := s.port.Receive(ctx)
		if err != nil {
			return nil, err
		}

		switch msg.Type {
		case "initialize":
			if msg.ChannelID != s.channelID {
				log.Printf("[picker] ignoring initialize for channel %s", msg.ChannelID)
				continue
			}
			if err := s.port.Send(ctx, Message{Type: "activate"}); err != nil {
				return nil, err
			}

		case "command":
			if err := s.port.Send(ctx, Message{Type: "acknowledge", ID: msg.ID}); err != nil {
				return nil, err
			}
			items, done, err := s.handleCommand(ctx, msg)
			if err != nil || done {
				return items, err
			}

		default:
			log.Printf("[picker] unknown message type: %s", msg.Type)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, msg Message) ([]model.SyncItem, bool, error) {
	var cmd command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, false, s.reply(ctx, msg.ID, result{Result: "error", Error: &resultError{Code: "invalidCommand", Message: err.Error()}})
	}

	switch cmd.Command {
	case "authenticate":
		tok, err := s.tokens.AcquireToken(ctx, model.ScopePicker, s.accountType)
		if err != nil {
			return nil, false, s.reply(ctx, msg.ID, result{Result: "error", Error: &resultError{Code: "unableToObtainToken", Message: err.Error()}})
		}
		if err := tok.MustScope(model.ScopePicker); err != nil {
			log.Printf("[picker] refusing token for channel %s: %v", s.channelID, err)
			return nil, false, s.reply(ctx, msg.ID, result{Result: "error", Error: &resultError{Code: "unableToObtainToken", Message: err.Error()}})
		}
		return nil, false, s.reply(ctx, msg.ID, result{Result: "token", Token: tok.Value})

	case "pick":
		items, err := Normalize(msg.Data)
		if err != nil {
			return nil, false, s.reply(ctx, msg.ID, result{Result: "error", Error: &resultError{Code: "invalidSelection", Message: err.Error()}})
		}
		if err := s.reply(ctx, msg.ID, result{Result: "success"}); err != nil {
			return nil, true, err
		}
		return items, true, nil

	case "close":
		s.reply(ctx, msg.ID, result{Result: "success"})
		return nil, true, ErrClosed

	default:
		return nil, false, s.reply(ctx, msg.ID, result{Result: "error", Error: &resultError{Code: "unsupportedCommand", Message: cmd.Command}})
	}
}

func (s *Session) reply(ctx context.Context, id string, r result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.port.Send(ctx, Message{Type: "result", ID: id, Data: data})
}

// LaunchOptions configure the picker page.
type LaunchOptions struct {
	// BaseURL is the drive web root, e.g. https://contoso-my.sharepoint.com
	// or https://onedrive.live.com/picker.
	BaseURL   string
	ChannelID string
	Origin    string
	Multiple  bool
}

// LaunchURL builds the picker URL with its options in the filePicker query
// parameter.
func LaunchURL(opts LaunchOptions) (string, error) {
	if opts.BaseURL == "" || opts.ChannelID == "" {
		return "", errors.New("base url and channel id required")
	}
	mode := "single"
	if opts.Multiple {
		mode = "multiple"
	}
	cfg := map[string]interface{}{
		"sdk":            "8.0",
		"entry":          map[string]interface{}{"oneDrive": map[string]interface{}{"files": map[string]interface{}{}}},
		"authentication": map[string]interface{}{},
		"messaging":      map[string]interface{}{"origin": opts.Origin, "channelId": opts.ChannelID},
		"selection":      map[string]interface{}{"mode": mode},
		"typesAndSources": map[string]interface{}{
			"mode": "all",
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/_layouts/15/FilePicker.aspx"
	}
	q := u.Query()
	q.Set("filePicker", string(data))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
