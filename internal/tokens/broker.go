// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// REVISION: tokens-broker-v1-frame-aware

// Package tokens acquires, caches and stores the bearer tokens used for the
// picker and for data access.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hyper-ai-inc/kbsync/internal/model"
)

const brokerRevision = "tokens-broker-v1-frame-aware"

func init() {
	log.Printf("[tokens] REVISION: %s loaded at %s", brokerRevision, time.Now().Format(time.RFC3339))
}

// ErrInteractionRequired means silent acquisition failed and the caller runs
// where an interactive prompt cannot complete.
var ErrInteractionRequired = errors.New("interactive authorization required")

// AuthError wraps a failed acquisition.
type AuthError struct {
	Scope       model.Scope
	AccountType model.AccountType
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("acquire %s token (%s): %v", e.Scope, e.AccountType, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ExecContext says whether an interactive prompt can be shown.
type ExecContext int

const (
	// TopLevel callers own their window or terminal and can prompt.
	TopLevel ExecContext = iota
	// EmbeddedFrame callers are hosted inside another surface and must not prompt.
	EmbeddedFrame
)

func (e ExecContext) String() string {
	if e == EmbeddedFrame {
		return "embedded"
	}
	return "top-level"
}

// Source obtains tokens from the identity platform.
type Source interface {
	// Silent returns a token without user interaction or fails.
	Silent(ctx context.Context, scope model.Scope, acct model.AccountType) (*oauth2.Token, error)
	// Interactive prompts the user. Cancelling ctx abandons the prompt.
	Interactive(ctx context.Context, scope model.Scope, acct model.AccountType) (*oauth2.Token, error)
}

type cacheKey struct {
	acct  model.AccountType
	scope model.Scope
}

// Broker hands out scoped tokens, silent first.
type Broker struct {
	src  Source
	exec ExecContext

	// InteractiveTimeout bounds a prompt.
	InteractiveTimeout time.Duration
	// Skew treats tokens this close to expiry as expired.
	Skew time.Duration

	mu          sync.Mutex
	accountType model.AccountType
	cache       map[cacheKey]*model.AccessToken
	generation  uint64
	flight      singleflight.Group
	now         func() time.Time
}

// NewBroker creates a broker for one account type.
func NewBroker(src Source, exec ExecContext, acct model.AccountType) *Broker {
	return &Broker{
		src:                src,
		exec:               exec,
		InteractiveTimeout: 5 * time.Minute,
		Skew:               time.Minute,
		accountType:        acct,
		cache:              make(map[cacheKey]*model.AccessToken),
		now:                time.Now,
	}
}

// AccountType returns the active account type.
func (b *Broker) AccountType() model.AccountType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accountType
}

// SetAccountType switches account type. Every cached token is dropped.
func (b *Broker) SetAccountType(acct model.AccountType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acct == b.accountType {
		return
	}
	log.Printf("[tokens] account type %s -> %s, clearing cache", b.accountType, acct)
	b.accountType = acct
	b.cache = make(map[cacheKey]*model.AccessToken)
	b.generation++
}

// Invalidate drops one cached token, e.g. after the API rejected it.
func (b *Broker) Invalidate(scope model.Scope) {
	b.mu.Lock()
	delete(b.cache, cacheKey{b.accountType, scope})
	b.mu.Unlock()
}

func (b *Broker) cached(key cacheKey) *model.AccessToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok := b.cache[key]
	if tok == nil || tok.NeedsReauth || tok.Expired(b.now(), b.Skew) {
		return nil
	}
	return tok
}

func (b *Broker) store(key cacheKey, gen uint64, tok *model.AccessToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A switch during acquisition makes the result stale.
	if gen != b.generation {
		return
	}
	b.cache[key] = tok
}

// AcquireToken returns a token for scope, trying silent acquisition first.
// When that fails an interactive prompt is attempted only for TopLevel
// callers; EmbeddedFrame callers get ErrInteractionRequired and no prompt.
func (b *Broker) AcquireToken(ctx context.Context, scope model.Scope, acct model.AccountType) (*model.AccessToken, error) {
	b.SetAccountType(acct)
	key := cacheKey{acct, scope}
	if tok := b.cached(key); tok != nil {
		return tok, nil
	}

	v, err, _ := b.flight.Do(string(acct)+"|"+string(scope), func() (interface{}, error) {
		if tok := b.cached(key); tok != nil {
			return tok, nil
		}
		gen := b.currentGeneration()

		raw, silentErr := b.src.Silent(ctx, scope, acct)
		if silentErr == nil {
			tok := stamp(raw, scope, acct)
			b.store(key, gen, tok)
			return tok, nil
		}
		log.Printf("[tokens] silent %s acquisition failed: %v", scope, silentErr)

		if b.exec != TopLevel {
			return nil, ErrInteractionRequired
		}

		ictx, cancel := context.WithTimeout(ctx, b.InteractiveTimeout)
		defer cancel()
		raw, err := b.src.Interactive(ictx, scope, acct)
		if err != nil {
			return nil, &AuthError{Scope: scope, AccountType: acct, Err: err}
		}
		tok := stamp(raw, scope, acct)
		b.store(key, gen, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.AccessToken), nil
}

// AcquireTokenSilent never prompts and never fails loudly: it returns nil
// when no token can be had silently.
func (b *Broker) AcquireTokenSilent(ctx context.Context, scope model.Scope, acct model.AccountType) *model.AccessToken {
	b.SetAccountType(acct)
	key := cacheKey{acct, scope}
	if tok := b.cached(key); tok != nil {
		return tok
	}
	gen := b.currentGeneration()
	raw, err := b.src.Silent(ctx, scope, acct)
	if err != nil {
		return nil
	}
	tok := stamp(raw, scope, acct)
	b.store(key, gen, tok)
	return tok
}

func (b *Broker) currentGeneration() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

func stamp(raw *oauth2.Token, scope model.Scope, acct model.AccountType) *model.AccessToken {
	return &model.AccessToken{
		Scope:       scope,
		AccountType: acct,
		Value:       raw.AccessToken,
		Expiry:      raw.Expiry,
	}
}
