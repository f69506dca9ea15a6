// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package app assembles the sync service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyper-ai-inc/kbsync/internal/acl"
	"github.com/hyper-ai-inc/kbsync/internal/api"
	"github.com/hyper-ai-inc/kbsync/internal/auth"
	"github.com/hyper-ai-inc/kbsync/internal/blob"
	"github.com/hyper-ai-inc/kbsync/internal/config"
	"github.com/hyper-ai-inc/kbsync/internal/events"
	"github.com/hyper-ai-inc/kbsync/internal/graph"
	"github.com/hyper-ai-inc/kbsync/internal/lock"
	"github.com/hyper-ai-inc/kbsync/internal/store"
	"github.com/hyper-ai-inc/kbsync/internal/syncer"
	"github.com/hyper-ai-inc/kbsync/internal/tokens"
	"github.com/hyper-ai-inc/kbsync/internal/upload"
)

// App is a fully wired service.
type App struct {
	Config   *config.Config
	Store    *store.SQLiteStore
	Sink     blob.Sink
	Hub      *events.Hub
	Syncer   *syncer.Manager
	Uploader *upload.Uploader
	Server   *api.Server

	closers []func()
}

// New opens storage and wires every service. Close releases them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if dir := filepath.Dir(cfg.Data.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	a.Store, err = store.NewSQLiteStore(cfg.Data.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.Store.Close() })

	if a.Sink, err = openSink(ctx, cfg.Data); err != nil {
		return nil, err
	}
	locker, err := openLocker(ctx, cfg.Data, &a.closers)
	if err != nil {
		return nil, err
	}

	a.Hub = events.NewHub()
	go a.Hub.Run()
	a.closers = append(a.closers, a.Hub.Stop)

	sealer, err := openSealer(cfg)
	if err != nil {
		return nil, err
	}

	var (
		refresher  tokens.Refresher
		flow       *tokens.AuthFlow
		pickerToks api.PickerTokens
	)
	oauthCfg := tokens.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Tenant:       cfg.OAuth.Tenant,
		RedirectURL:  cfg.OAuth.RedirectURL,
	}
	var source *tokens.OAuthSource
	if cfg.OAuth.ClientID != "" {
		source = tokens.NewOAuthSource(oauthCfg, nil, nil)
		refresher = source
	} else {
		log.Println("WARNING: oauth.client_id not set - callers must supply access tokens and consent is unavailable")
	}
	vault := tokens.NewVault(a.Store, sealer, refresher)
	if source != nil {
		flow = tokens.NewAuthFlow(source, vault, sealer, a.Hub)
		pickerToks = newPickerBrokers(oauthCfg, vault).For
	}

	// Downloads are bounded by the per-file timeout, not the client.
	gc := graph.NewClient(cfg.Graph.BaseURL, &http.Client{})
	a.Syncer = syncer.NewManager(a.Store, gc, a.Sink, locker, a.Hub, vault, syncer.Options{
		MaxFiles:     cfg.Sync.MaxFiles,
		Parallelism:  cfg.Sync.Parallelism,
		FileTimeout:  cfg.Sync.FileTimeout,
		MaxFileBytes: cfg.Sync.MaxFileBytes,
	})
	a.closers = append(a.closers, a.Syncer.Close)

	mode, err := acl.ParseMode(cfg.ACL.Mode)
	if err != nil {
		return nil, err
	}
	resolver := acl.NewResolver(a.Store, acl.NewGraphAccess(gc, vault), mode)

	a.Uploader = upload.NewUploader(a.Store, a.Sink, a.Hub, cfg.Sync.Parallelism, cfg.Sync.MaxFileBytes)

	a.Server = api.NewServer(api.Deps{
		Store:         a.Store,
		Syncer:        a.Syncer,
		Resolver:      resolver,
		Vault:         vault,
		Flow:          flow,
		Hub:           a.Hub,
		Auth:          auth.NewMiddleware(cfg.Server.InternalToken),
		Origins:       events.NewOriginChecker(allowedOrigins(cfg.Server)),
		PublicURL:     cfg.Server.PublicURL,
		PickerBaseURL: cfg.Graph.PickerBaseURL,
		PickerTokens:  pickerToks,
	})
	ok = true
	return a, nil
}

func openSink(ctx context.Context, cfg config.DataConfig) (blob.Sink, error) {
	if cfg.BlobBackend != "minio" {
		return blob.NewFSSink(cfg.BlobDir)
	}
	sink, err := blob.NewMinioSink(blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAK,
		SecretKey: cfg.MinioSK,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sink.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("minio bucket %s: %w", cfg.MinioBucket, err)
	}
	return sink, nil
}

func openLocker(ctx context.Context, cfg config.DataConfig, closers *[]func()) (lock.Locker, error) {
	if cfg.LockBackend != "redis" {
		return lock.NewMemoryLocker(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	*closers = append(*closers, func() { rdb.Close() })
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return lock.NewRedisLocker(rdb, "kbsync:lock:", 30*time.Second), nil
}

func openSealer(cfg *config.Config) (*tokens.Sealer, error) {
	if cfg.OAuth.TokenKey == "" {
		log.Println("WARNING: oauth.token_key not set - stored tokens will not survive a restart")
		return tokens.NewRandomSealer(), nil
	}
	key, err := cfg.TokenKeyBytes()
	if err != nil {
		return nil, err
	}
	return tokens.NewSealer(key)
}

// allowedOrigins adds the public URL's origin so first-party pages and the
// CLI event stream are always accepted.
func allowedOrigins(cfg config.ServerConfig) string {
	list := cfg.AllowedOrigins
	if u, err := url.Parse(cfg.PublicURL); err == nil && u.Scheme != "" && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		if !strings.Contains(","+list+",", ","+origin+",") {
			if list != "" {
				list += ","
			}
			list += origin
		}
	}
	return list
}

// Close releases everything New opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ListenAndServe serves the API on the configured port until ctx ends, then
// shuts down gracefully.
func (a *App) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + a.Config.Server.Port,
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", a.Config.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Shutdown HTTP server (stops accepting new connections)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Server stopped")
	return nil
}
