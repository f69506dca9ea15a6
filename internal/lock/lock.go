// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package lock provides the per-knowledge-base sync lock. At most one sync
// session may hold the lock for a key at a time.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("lock already held")

// Locker hands out exclusive, non-blocking locks by key.
type Locker interface {
	// TryLock acquires key or fails immediately with ErrHeld. The returned
	// unlock func is safe to call more than once.
	TryLock(ctx context.Context, key string) (unlock func(), err error)
	// Held reports whether key is currently locked by anyone.
	Held(ctx context.Context, key string) (bool, error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{active: make(map[string]bool)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[key] {
		return nil, ErrHeld
	}
	l.active[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, key)
			l.mu.Unlock()
		})
	}, nil
}

func (l *MemoryLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[key], nil
}
