// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the holder that set the token may delete or extend the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker shares locks across server instances. Each lock carries a TTL
// and is extended in the background until released, so a crashed holder
// frees the key after at most one TTL.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker storing keys under prefix.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) key(k string) string {
	return l.prefix + k
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(key), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, token).Err(); err != nil {
				log.Printf("[lock] release %s failed: %v", key, err)
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := extendScript.Run(ctx, l.rdb, []string{l.key(key)}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				log.Printf("[lock] extend %s failed: %v", key, err)
				continue
			}
			if n == 0 {
				log.Printf("[lock] lost lock %s", key)
				return
			}
		}
	}
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
