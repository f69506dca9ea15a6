// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads service settings from defaults, an optional YAML
// file and KBSYNC_* environment variables, in increasing precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Data   DataConfig   `mapstructure:"data" yaml:"data"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	OAuth  OAuthConfig  `mapstructure:"oauth" yaml:"oauth"`
	Graph  GraphConfig  `mapstructure:"graph" yaml:"graph"`
	ACL    ACLConfig    `mapstructure:"acl" yaml:"acl"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port" yaml:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	InternalToken  string `mapstructure:"internal_token" yaml:"internal_token"`
	PublicURL      string `mapstructure:"public_url" yaml:"public_url"`
}

type DataConfig struct {
	DBPath        string `mapstructure:"db_path" yaml:"db_path"`
	BlobBackend   string `mapstructure:"blob_backend" yaml:"blob_backend"`
	BlobDir       string `mapstructure:"blob_dir" yaml:"blob_dir"`
	MinioEndpoint string `mapstructure:"minio_endpoint" yaml:"minio_endpoint"`
	MinioAK       string `mapstructure:"minio_ak" yaml:"minio_ak"`
	MinioSK       string `mapstructure:"minio_sk" yaml:"minio_sk"`
	MinioBucket   string `mapstructure:"minio_bucket" yaml:"minio_bucket"`
	MinioSecure   bool   `mapstructure:"minio_secure" yaml:"minio_secure"`
	LockBackend   string `mapstructure:"lock_backend" yaml:"lock_backend"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
}

type SyncConfig struct {
	MaxFiles     int           `mapstructure:"max_files" yaml:"max_files"`
	Parallelism  int           `mapstructure:"parallelism" yaml:"parallelism"`
	FileTimeout  time.Duration `mapstructure:"file_timeout" yaml:"file_timeout"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	Tenant       string `mapstructure:"tenant" yaml:"tenant"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
	// TokenKey is the hex-encoded 32-byte key sealing stored tokens.
	TokenKey string `mapstructure:"token_key" yaml:"token_key"`
}

type GraphConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// PickerBaseURL is the drive web root that hosts the file picker.
	PickerBaseURL string `mapstructure:"picker_base_url" yaml:"picker_base_url"`
}

type ACLConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.internal_token", "")
	v.SetDefault("server.public_url", "http://localhost:8080")

	v.SetDefault("data.db_path", "data/kbsync.db")
	v.SetDefault("data.blob_backend", "fs")
	v.SetDefault("data.blob_dir", "data/blobs")
	v.SetDefault("data.minio_endpoint", "localhost:9000")
	v.SetDefault("data.minio_ak", "")
	v.SetDefault("data.minio_sk", "")
	v.SetDefault("data.minio_bucket", "kbsync-docs")
	v.SetDefault("data.minio_secure", false)
	v.SetDefault("data.lock_backend", "memory")
	v.SetDefault("data.redis_addr", "localhost:6379")
	v.SetDefault("data.redis_password", "")

	v.SetDefault("sync.max_files", 500)
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("sync.file_timeout", "2m")
	v.SetDefault("sync.max_file_bytes", int64(100<<20))
	v.SetDefault("sync.poll_interval", "2s")

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.tenant", "organizations")
	v.SetDefault("oauth.redirect_url", "http://localhost:8080/api/v1/onedrive/auth/callback")
	v.SetDefault("oauth.token_key", "")

	v.SetDefault("graph.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("graph.picker_base_url", "https://onedrive.live.com/picker")
	v.SetDefault("acl.mode", "strict")
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names shared with the rest of the deployment.
	v.BindEnv("server.internal_token", "KBSYNC_SERVER_INTERNAL_TOKEN", "INTERNAL_API_TOKEN")
	v.BindEnv("server.allowed_origins", "KBSYNC_SERVER_ALLOWED_ORIGINS", "ALLOWED_ORIGINS")
	v.BindEnv("server.port", "KBSYNC_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks enumerated settings and key material.
func (c *Config) Validate() error {
	switch c.Data.BlobBackend {
	case "fs", "minio":
	default:
		return fmt.Errorf("data.blob_backend must be fs or minio, got %q", c.Data.BlobBackend)
	}
	switch c.Data.LockBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("data.lock_backend must be memory or redis, got %q", c.Data.LockBackend)
	}
	switch c.ACL.Mode {
	case "strict", "lenient":
	default:
		return fmt.Errorf("acl.mode must be strict or lenient, got %q", c.ACL.Mode)
	}
	if c.Sync.Parallelism < 1 {
		return fmt.Errorf("sync.parallelism must be at least 1")
	}
	if c.Sync.MaxFiles < 1 {
		return fmt.Errorf("sync.max_files must be at least 1")
	}
	if c.OAuth.TokenKey != "" {
		if _, err := c.TokenKeyBytes(); err != nil {
			return err
		}
	}
	return nil
}

// TokenKeyBytes decodes the token sealing key.
func (c *Config) TokenKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.OAuth.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("oauth.token_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("oauth.token_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Server.InternalToken = mask(c.Server.InternalToken)
	c.Data.MinioSK = mask(c.Data.MinioSK)
	c.Data.RedisPassword = mask(c.Data.RedisPassword)
	c.OAuth.ClientSecret = mask(c.OAuth.ClientSecret)
	c.OAuth.TokenKey = mask(c.OAuth.TokenKey)
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
