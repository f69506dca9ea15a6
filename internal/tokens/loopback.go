// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// ErrConsentDenied is returned when the user declines consent.
var ErrConsentDenied = errors.New("consent denied")

// LoopbackAuthorizer runs the authorization code flow with PKCE against a
// redirect listener on 127.0.0.1. Open is called with the consent URL; it
// defaults to logging it.
type LoopbackAuthorizer struct {
	Open func(url string) error
}

type loopbackResult struct {
	code string
	err  error
}

func (a *LoopbackAuthorizer) Authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("loopback listener: %w", err)
	}
	defer ln.Close()

	local := *cfg
	local.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	results := make(chan loopbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res loopbackResult
		switch {
		case q.Get("state") != state:
			res.err = errors.New("state mismatch")
		case q.Get("error") != "":
			res.err = fmt.Errorf("%w: %s", ErrConsentDenied, q.Get("error_description"))
		default:
			res.code = q.Get("code")
		}
		if res.err != nil {
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
		} else {
			w.Write([]byte("Authorization complete. You can close this window."))
		}
		select {
		case results <- res:
		default:
		}
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := local.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("prompt", "select_account"))
	open := a.Open
	if open == nil {
		open = func(u string) error {
			log.Printf("[tokens] open this URL to authorize: %s", u)
			return nil
		}
	}
	if err := open(authURL); err != nil {
		return nil, fmt.Errorf("open consent page: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := local.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		return tok, nil
	}
}
