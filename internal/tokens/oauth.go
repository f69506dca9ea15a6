// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

// ErrNoRefreshToken means no prior consent is on record for the account type.
var ErrNoRefreshToken = errors.New("no refresh token on record")

// DefaultScopes are the delegated permissions requested per token scope.
var DefaultScopes = map[model.Scope][]string{
	model.ScopePicker:     {"Files.Read.All", "offline_access"},
	model.ScopeDataAccess: {"Files.Read.All", "Sites.Read.All", "User.ReadBasic.All", "offline_access"},
}

// RefreshStore keeps the latest refresh token per account type.
type RefreshStore interface {
	Load(acct model.AccountType) (*oauth2.Token, error)
	Save(acct model.AccountType, tok *oauth2.Token) error
}

// Authorizer runs an interactive consent and returns the code exchange result.
type Authorizer interface {
	Authorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)
}

// OAuthConfig configures an OAuthSource.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant overrides the tenant segment for organizations accounts.
	Tenant      string
	RedirectURL string
	Scopes      map[model.Scope][]string
	// Endpoint overrides the identity platform endpoint, for tests.
	Endpoint   func(acct model.AccountType) oauth2.Endpoint
	HTTPClient *http.Client
}

// OAuthSource implements Source against the Microsoft identity platform.
// Silent acquisition redeems the stored refresh token for the requested
// scope; the platform rotates refresh tokens so every success is saved back.
type OAuthSource struct {
	cfg       OAuthConfig
	refresh   RefreshStore
	authorize Authorizer
}

// NewOAuthSource creates a source. authorize may be nil for headless use.
func NewOAuthSource(cfg OAuthConfig, refresh RefreshStore, authorize Authorizer) *OAuthSource {
	if cfg.Scopes == nil {
		cfg.Scopes = DefaultScopes
	}
	return &OAuthSource{cfg: cfg, refresh: refresh, authorize: authorize}
}

// Config returns the oauth2 config for a scope and account type.
func (s *OAuthSource) Config(scope model.Scope, acct model.AccountType) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURL:  s.cfg.RedirectURL,
		Scopes:       s.cfg.Scopes[scope],
		Endpoint:     s.endpoint(acct),
	}
}

func (s *OAuthSource) endpoint(acct model.AccountType) oauth2.Endpoint {
	if s.cfg.Endpoint != nil {
		return s.cfg.Endpoint(acct)
	}
	if acct == model.AccountPersonal {
		return microsoft.AzureADEndpoint("consumers")
	}
	tenant := s.cfg.Tenant
	if tenant == "" {
		tenant = "organizations"
	}
	return microsoft.AzureADEndpoint(tenant)
}

func (s *OAuthSource) Silent(ctx context.Context, scope model.Scope, acct model.AccountType) (*oauth2.Token, error) {
	prev, err := s.refresh.Load(acct)
	if err != nil {
		return nil, err
	}
	tok, err := s.Refresh(ctx, scope, acct, prev.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Save(acct, tok); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}
	return tok, nil
}

// Refresh redeems refreshToken for an access token of scope. The scope is
// sent on the refresh request because one refresh token mints tokens for
// several audiences; oauth2.TokenSource does not send it.
func (s *OAuthSource) Refresh(ctx context.Context, scope model.Scope, acct model.AccountType, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	cfg := s.Config(scope, acct)
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
		"scope":         {strings.Join(cfg.Scopes, " ")},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", scope, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("refresh %s token: %w", scope, err)
	}

	var tr tokenResponse
	json.Unmarshal(body, &tr)
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return nil, fmt.Errorf("refresh %s token: %w", scope, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        tr.Error,
			ErrorDescription: tr.ErrorDescription,
		})
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *OAuthSource) httpClient() *http.Client {
	if s.cfg.HTTPClient != nil {
		return s.cfg.HTTPClient
	}
	return http.DefaultClient
}

func (s *OAuthSource) Interactive(ctx context.Context, scope model.Scope, acct model.AccountType) (*oauth2.Token, error) {
	if s.authorize == nil {
		return nil, ErrInteractionRequired
	}
	tok, err := s.authorize.Authorize(ctx, s.Config(scope, acct))
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		if err := s.refresh.Save(acct, tok); err != nil {
			return nil, fmt.Errorf("save refresh token: %w", err)
		}
	}
	return tok, nil
}

// Exchange trades an authorization code from the server-side consent flow.
func (s *OAuthSource) Exchange(ctx context.Context, scope model.Scope, acct model.AccountType, code string) (*oauth2.Token, error) {
	tok, err := s.Config(scope, acct).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// IsInvalidGrant reports whether the platform rejected a refresh token, in
// which case only fresh consent helps.
func IsInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant" || strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}

// FileRefreshStore keeps sealed refresh tokens in a directory, one file per
// account type. Used by the CLI.
type FileRefreshStore struct {
	dir    string
	sealer *Sealer
	mu     sync.Mutex
}

// NewFileRefreshStore creates dir if needed.
func NewFileRefreshStore(dir string, sealer *Sealer) (*FileRefreshStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &FileRefreshStore{dir: dir, sealer: sealer}, nil
}

func (f *FileRefreshStore) path(acct model.AccountType) string {
	return filepath.Join(f.dir, string(acct)+".token")
}

func (f *FileRefreshStore) Load(acct model.AccountType) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(acct))
	if os.IsNotExist(err) {
		return nil, ErrNoRefreshToken
	}
	if err != nil {
		return nil, err
	}
	pt, err := f.sealer.Open(data, []byte(acct))
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(pt, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// Save writes to a temp file and renames it into place.
func (f *FileRefreshStore) Save(acct model.AccountType, tok *oauth2.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp := f.path(acct) + ".tmp"
	if err := os.WriteFile(tmp, f.sealer.Seal(data, []byte(acct)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(acct))
}
