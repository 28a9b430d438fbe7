// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the authrim server configuration from environment
// variables and an optional YAML file, with sane defaults for every knob.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable server configuration. It is loaded once at startup
// and shared read-only between handlers; never mutate it after Load.
type Config struct {
	// IssuerURL is included verbatim in all tokens and discovery metadata.
	IssuerURL string

	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string

	// Tenant is the tenant identifier used in actor instance names.
	Tenant string

	// SessionShardCount is the shard count for new sessions.
	SessionShardCount int

	// RefreshTokenDefaultShardCount is the per-client refresh shard count.
	RefreshTokenDefaultShardCount int

	// RefreshTokenShardCacheTTL bounds staleness of shard config snapshots.
	RefreshTokenShardCacheTTL time.Duration

	// RateLimitShardCount is the shard count for rate-limit counters.
	RateLimitShardCount int

	// Token lifetimes.
	AuthCodeTTL     time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
	SessionTTL      time.Duration

	// Signing key lifecycle.
	KeyRotationInterval time.Duration
	KeyRetention        time.Duration
	SigningAlgorithm    string

	// Rate limiting defaults (per IP).
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	// DPoPJTITTL is the DPoP proof replay window.
	DPoPJTITTL time.Duration

	// RBACIDTokenClaims is the whitelist of RBAC claims embedded in ID tokens.
	RBACIDTokenClaims []string

	// AllowPlainPKCE permits the "plain" code_challenge_method when true.
	AllowPlainPKCE bool

	// PairwiseSalt is used to derive pairwise subject identifiers.
	PairwiseSalt string

	// Storage selects the actor storage backend: "memory" or "redis".
	Storage string

	// RedisAddr is the Redis address when Storage is "redis".
	RedisAddr string

	// RedisPassword authenticates against Redis when set.
	RedisPassword string

	// AuditDBPath is the sqlite database path for the audit log.
	// Empty disables durable auditing (events are still logged).
	AuditDBPath string

	// Logging.
	LogFormat string
	LogLevel  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ISSUER_URL", "http://localhost:8080")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("TENANT", "default")
	v.SetDefault("SESSION_SHARD_COUNT", 32)
	v.SetDefault("REFRESH_TOKEN_DEFAULT_SHARD_COUNT", 8)
	v.SetDefault("REFRESH_TOKEN_SHARD_CACHE_TTL_MS", 10000)
	v.SetDefault("RATE_LIMIT_SHARD_COUNT", 8)
	v.SetDefault("AUTH_CODE_TTL_SEC", 60)
	v.SetDefault("ACCESS_TOKEN_TTL_SEC", 3600)
	v.SetDefault("REFRESH_TOKEN_TTL_SEC", 30*24*3600)
	v.SetDefault("ID_TOKEN_TTL_SEC", 3600)
	v.SetDefault("SESSION_TTL_SEC", 24*3600)
	v.SetDefault("KEY_ROTATION_INTERVAL_DAYS", 30)
	v.SetDefault("KEY_RETENTION_DAYS", 7)
	v.SetDefault("SIGNING_ALGORITHM", "ES256")
	v.SetDefault("RATE_LIMIT_WINDOW_SEC", 60)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 120)
	v.SetDefault("DPOP_JTI_TTL_SEC", 3600)
	v.SetDefault("RBAC_ID_TOKEN_CLAIMS", []string{"roles", "permissions"})
	v.SetDefault("ALLOW_PLAIN_PKCE", false)
	v.SetDefault("PAIRWISE_SALT", "authrim-pairwise")
	v.SetDefault("STORAGE", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("AUDIT_DB_PATH", "")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_LEVEL", "info")
}

// Load reads configuration from the environment and, if configFile is
// non-empty, from the given YAML file. Environment variables win.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		IssuerURL:                     strings.TrimRight(v.GetString("ISSUER_URL"), "/"),
		ListenAddr:                    v.GetString("LISTEN_ADDR"),
		Tenant:                        v.GetString("TENANT"),
		SessionShardCount:             v.GetInt("SESSION_SHARD_COUNT"),
		RefreshTokenDefaultShardCount: v.GetInt("REFRESH_TOKEN_DEFAULT_SHARD_COUNT"),
		RefreshTokenShardCacheTTL:     time.Duration(v.GetInt("REFRESH_TOKEN_SHARD_CACHE_TTL_MS")) * time.Millisecond,
		RateLimitShardCount:           v.GetInt("RATE_LIMIT_SHARD_COUNT"),
		AuthCodeTTL:                   time.Duration(v.GetInt("AUTH_CODE_TTL_SEC")) * time.Second,
		AccessTokenTTL:                time.Duration(v.GetInt("ACCESS_TOKEN_TTL_SEC")) * time.Second,
		RefreshTokenTTL:               time.Duration(v.GetInt("REFRESH_TOKEN_TTL_SEC")) * time.Second,
		IDTokenTTL:                    time.Duration(v.GetInt("ID_TOKEN_TTL_SEC")) * time.Second,
		SessionTTL:                    time.Duration(v.GetInt("SESSION_TTL_SEC")) * time.Second,
		KeyRotationInterval:           time.Duration(v.GetInt("KEY_ROTATION_INTERVAL_DAYS")) * 24 * time.Hour,
		KeyRetention:                  time.Duration(v.GetInt("KEY_RETENTION_DAYS")) * 24 * time.Hour,
		SigningAlgorithm:              v.GetString("SIGNING_ALGORITHM"),
		RateLimitWindow:               time.Duration(v.GetInt("RATE_LIMIT_WINDOW_SEC")) * time.Second,
		RateLimitMaxRequests:          v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		DPoPJTITTL:                    time.Duration(v.GetInt("DPOP_JTI_TTL_SEC")) * time.Second,
		RBACIDTokenClaims:             v.GetStringSlice("RBAC_ID_TOKEN_CLAIMS"),
		AllowPlainPKCE:                v.GetBool("ALLOW_PLAIN_PKCE"),
		PairwiseSalt:                  v.GetString("PAIRWISE_SALT"),
		Storage:                       v.GetString("STORAGE"),
		RedisAddr:                     v.GetString("REDIS_ADDR"),
		RedisPassword:                 v.GetString("REDIS_PASSWORD"),
		AuditDBPath:                   v.GetString("AUDIT_DB_PATH"),
		LogFormat:                     v.GetString("LOG_FORMAT"),
		LogLevel:                      v.GetString("LOG_LEVEL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.IssuerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ISSUER_URL must be an absolute URL, got %q", c.IssuerURL)
	}
	if c.SessionShardCount < 1 {
		return fmt.Errorf("SESSION_SHARD_COUNT must be positive, got %d", c.SessionShardCount)
	}
	if c.RefreshTokenDefaultShardCount < 1 {
		return fmt.Errorf("REFRESH_TOKEN_DEFAULT_SHARD_COUNT must be positive, got %d", c.RefreshTokenDefaultShardCount)
	}
	if c.AuthCodeTTL <= 0 || c.AuthCodeTTL > time.Minute {
		return fmt.Errorf("AUTH_CODE_TTL_SEC must be between 1 and 60, got %s", c.AuthCodeTTL)
	}
	switch c.SigningAlgorithm {
	case "ES256", "RS256":
	default:
		return fmt.Errorf("SIGNING_ALGORITHM must be ES256 or RS256, got %q", c.SigningAlgorithm)
	}
	switch c.Storage {
	case "memory", "redis":
	default:
		return fmt.Errorf("STORAGE must be memory or redis, got %q", c.Storage)
	}
	return nil
}
