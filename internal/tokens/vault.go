// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/store"
)

var (
	// ErrNoToken means no data-access token is stored for the knowledge base.
	ErrNoToken = errors.New("no token stored")
	// ErrNeedsReauth means the stored grant is unusable until the user consents again.
	ErrNeedsReauth = errors.New("reauthorization required")
)

// Refresher redeems refresh tokens.
type Refresher interface {
	Refresh(ctx context.Context, scope model.Scope, acct model.AccountType, refreshToken string) (*oauth2.Token, error)
}

// Vault holds the server-side data-access token of each knowledge base so
// resyncs can run without the user's browser.
type Vault struct {
	store     store.Store
	sealer    *Sealer
	refresher Refresher
	now       func() time.Time
}

// NewVault creates a vault. refresher may be nil, in which case expired
// tokens always need reauthorization.
func NewVault(st store.Store, sealer *Sealer, refresher Refresher) *Vault {
	return &Vault{store: st, sealer: sealer, refresher: refresher, now: time.Now}
}

// Put seals and stores tok for the knowledge base, clearing needs_reauth.
func (v *Vault) Put(ctx context.Context, knowledgeID string, acct model.AccountType, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return v.store.PutToken(ctx, &store.SealedToken{
		KnowledgeID: knowledgeID,
		AccountType: acct,
		Sealed:      v.sealer.Seal(data, []byte(knowledgeID)),
		Expiry:      tok.Expiry,
		StoredAt:    v.now().UTC(),
	})
}

// Status reports what is stored without decrypting anything.
func (v *Vault) Status(ctx context.Context, knowledgeID string) (model.TokenStatus, error) {
	st, err := v.store.GetToken(ctx, knowledgeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.TokenStatus{}, nil
	}
	if err != nil {
		return model.TokenStatus{}, err
	}
	storedAt := st.StoredAt
	return model.TokenStatus{
		HasToken:      true,
		IsExpired:     !st.Expiry.IsZero() && !v.now().Before(st.Expiry),
		NeedsReauth:   st.NeedsReauth,
		TokenStoredAt: &storedAt,
	}, nil
}

// Revoke deletes the stored token. It reports whether one existed.
func (v *Vault) Revoke(ctx context.Context, knowledgeID string) (bool, error) {
	return v.store.DeleteToken(ctx, knowledgeID)
}

// AccessToken returns a usable bearer token for the knowledge base,
// refreshing it when it is close to expiry.
func (v *Vault) AccessToken(ctx context.Context, knowledgeID string) (string, error) {
	st, err := v.store.GetToken(ctx, knowledgeID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}
	if st.NeedsReauth {
		return "", ErrNeedsReauth
	}

	pt, err := v.sealer.Open(st.Sealed, []byte(knowledgeID))
	if err != nil {
		return "", err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(pt, &tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if tok.Expiry.IsZero() || v.now().Add(time.Minute).Before(tok.Expiry) {
		return tok.AccessToken, nil
	}

	if v.refresher == nil || tok.RefreshToken == "" {
		v.markNeedsReauth(ctx, st)
		return "", ErrNeedsReauth
	}
	fresh, err := v.refresher.Refresh(ctx, model.ScopeDataAccess, st.AccountType, tok.RefreshToken)
	if err != nil {
		if IsInvalidGrant(err) || errors.Is(err, ErrNoRefreshToken) {
			v.markNeedsReauth(ctx, st)
			return "", ErrNeedsReauth
		}
		return "", err
	}
	if err := v.Put(ctx, knowledgeID, st.AccountType, fresh); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (v *Vault) markNeedsReauth(ctx context.Context, st *store.SealedToken) {
	st.NeedsReauth = true
	if err := v.store.PutToken(ctx, st); err != nil {
		log.Printf("[tokens] failed to flag %s for reauth: %v", st.KnowledgeID, err)
		return
	}
	log.Printf("[tokens] %s needs reauthorization", st.KnowledgeID)
}

// RefreshStoreFor exposes the refresh token stored for a knowledge base to
// an OAuthSource, so a server-side Broker can mint picker tokens silently.
// Saving only rotates the refresh token; the stored access token keeps its
// data-access scope.
func (v *Vault) RefreshStoreFor(knowledgeID string) RefreshStore {
	return &kbRefreshStore{v: v, knowledgeID: knowledgeID}
}

type kbRefreshStore struct {
	v           *Vault
	knowledgeID string
}

func (k *kbRefreshStore) load(ctx context.Context) (*store.SealedToken, *oauth2.Token, error) {
	st, err := k.v.store.GetToken(ctx, k.knowledgeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNoRefreshToken
	}
	if err != nil {
		return nil, nil, err
	}
	pt, err := k.v.sealer.Open(st.Sealed, []byte(k.knowledgeID))
	if err != nil {
		return nil, nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(pt, &tok); err != nil {
		return nil, nil, fmt.Errorf("decode token: %w", err)
	}
	return st, &tok, nil
}

func (k *kbRefreshStore) Load(acct model.AccountType) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, tok, err := k.load(ctx)
	if err != nil {
		return nil, err
	}
	if st.NeedsReauth {
		return nil, ErrNeedsReauth
	}
	if st.AccountType != acct || tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	return &oauth2.Token{RefreshToken: tok.RefreshToken}, nil
}

func (k *kbRefreshStore) Save(acct model.AccountType, fresh *oauth2.Token) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, tok, err := k.load(ctx)
	if err != nil {
		return err
	}
	if fresh.RefreshToken == "" || fresh.RefreshToken == tok.RefreshToken {
		return nil
	}
	tok.RefreshToken = fresh.RefreshToken
	return k.v.Put(ctx, k.knowledgeID, acct, tok)
}
