// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package app

import (
	"sync"

	"github.com/hyper-ai-inc/kbsync/internal/model"
	"github.com/hyper-ai-inc/kbsync/internal/picker"
	"github.com/hyper-ai-inc/kbsync/internal/tokens"
)

// pickerBrokers keeps one frame-bound broker per knowledge base, so picker
// tokens stay cached across picker sessions.
type pickerBrokers struct {
	cfg   tokens.OAuthConfig
	vault *tokens.Vault

	mu      sync.Mutex
	brokers map[string]*tokens.Broker
}

func newPickerBrokers(cfg tokens.OAuthConfig, vault *tokens.Vault) *pickerBrokers {
	return &pickerBrokers{cfg: cfg, vault: vault, brokers: make(map[string]*tokens.Broker)}
}

// For returns the broker of knowledgeID switched to acct. Switching account
// type clears the broker's cache.
func (p *pickerBrokers) For(knowledgeID string, acct model.AccountType) picker.TokenSource {
	return p.broker(knowledgeID, acct)
}

func (p *pickerBrokers) broker(knowledgeID string, acct model.AccountType) *tokens.Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brokers[knowledgeID]
	if !ok {
		src := tokens.NewOAuthSource(p.cfg, p.vault.RefreshStoreFor(knowledgeID), nil)
		b = tokens.NewBroker(src, tokens.EmbeddedFrame, acct)
		p.brokers[knowledgeID] = b
		return b
	}
	b.SetAccountType(acct)
	return b
}
