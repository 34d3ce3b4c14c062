// Package config provides configuration loading for framesearch.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, then validated once at startup. The resulting Config is
// immutable: components receive it (or a sub-struct) by value at
// construction time and never reload it mid-flight.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Distance metrics supported by the embedding index. The deployment picks
// exactly one; mixing metrics within one index is a configuration error.
const (
	DistanceEuclidean = "euclidean"
)

// Config holds the complete framesearch configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Token    TokenConfig    `koanf:"token"`
	Auth     AuthConfig     `koanf:"auth"`
	Vault    VaultConfig    `koanf:"vault"`
	Index    IndexConfig    `koanf:"index"`
	Store    StoreConfig    `koanf:"store"`
	Encoder  EncoderConfig  `koanf:"encoder"`
	Upstream UpstreamConfig `koanf:"upstream"`
	NATS     NATSConfig     `koanf:"nats"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TokenConfig holds session token configuration.
type TokenConfig struct {
	// SigningKey signs session tokens (HS256). Required in production.
	SigningKey Secret `koanf:"signing_key"`
	// TTL bounds how long an issued token stays valid. Revocation is
	// expiry-bounded, so this is also the worst-case exposure window
	// after a credential rotation.
	TTL Duration `koanf:"ttl"`
}

// AuthConfig holds local account validation bounds.
type AuthConfig struct {
	TenantIDMinLength int `koanf:"tenant_id_min_length"`
	TenantIDMaxLength int `koanf:"tenant_id_max_length"`
	PasswordMinLength int `koanf:"password_min_length"`
	PasswordMaxLength int `koanf:"password_max_length"`
}

// VaultConfig holds argon2id parameters for password hashing and for the
// key derivation used to encrypt upstream secrets.
type VaultConfig struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
	KeyLen    uint32 `koanf:"key_len"`
}

// IndexConfig holds embedding index construction and search parameters.
//
// M, EfConstruction and EfSearch are the usual HNSW knobs: raising any of
// them increases recall monotonically at the cost of build or query time.
// Epsilon widens the layer-0 beam when a filter predicate is active so that
// filtered queries do not starve before collecting top_k survivors.
type IndexConfig struct {
	Dimension         int     `koanf:"dimension"`
	M                 int     `koanf:"m"`
	EfConstruction    int     `koanf:"ef_construction"`
	EfSearch          int     `koanf:"ef_search"`
	Epsilon           float64 `koanf:"epsilon"`
	Metric            string  `koanf:"metric"`
	RecreateOnStartup bool    `koanf:"recreate_on_startup"`
}

// StoreConfig holds the durable record store location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// EncoderConfig holds the external text encoder endpoint.
type EncoderConfig struct {
	URL     string   `koanf:"url"`
	Timeout Duration `koanf:"timeout"`
}

// UpstreamConfig holds defaults for per-tenant source-manager clients.
type UpstreamConfig struct {
	Timeout Duration `koanf:"timeout"`
}

// NATSConfig holds the ingestion subscription settings.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults fills zero-value fields with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = Duration(7 * 24 * time.Hour)
	}
	if cfg.Auth.TenantIDMinLength == 0 {
		cfg.Auth.TenantIDMinLength = 3
	}
	if cfg.Auth.TenantIDMaxLength == 0 {
		cfg.Auth.TenantIDMaxLength = 32
	}
	if cfg.Auth.PasswordMinLength == 0 {
		cfg.Auth.PasswordMinLength = 8
	}
	if cfg.Auth.PasswordMaxLength == 0 {
		cfg.Auth.PasswordMaxLength = 64
	}
	if cfg.Vault.Time == 0 {
		cfg.Vault.Time = 1
	}
	if cfg.Vault.MemoryKiB == 0 {
		cfg.Vault.MemoryKiB = 64 * 1024
	}
	if cfg.Vault.Threads == 0 {
		cfg.Vault.Threads = 4
	}
	if cfg.Vault.KeyLen == 0 {
		cfg.Vault.KeyLen = 32
	}
	if cfg.Index.Dimension == 0 {
		cfg.Index.Dimension = 512
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 40
	}
	if cfg.Index.EfConstruction == 0 {
		cfg.Index.EfConstruction = 200
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 100
	}
	if cfg.Index.Epsilon == 0 {
		cfg.Index.Epsilon = 0.8
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = DistanceEuclidean
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "framesearch.db"
	}
	if cfg.Encoder.URL == "" {
		cfg.Encoder.URL = "http://encoder:8080"
	}
	if cfg.Encoder.Timeout == 0 {
		cfg.Encoder.Timeout = Duration(10 * time.Second)
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = Duration(10 * time.Second)
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if !c.Token.SigningKey.IsSet() {
		errs = append(errs, errors.New("token.signing_key is required"))
	}
	if c.Token.TTL.Duration() <= 0 {
		errs = append(errs, errors.New("token.ttl must be positive"))
	}
	if c.Auth.PasswordMinLength < 1 || c.Auth.PasswordMaxLength < c.Auth.PasswordMinLength {
		errs = append(errs, errors.New("auth password length bounds are inconsistent"))
	}
	if c.Auth.TenantIDMinLength < 1 || c.Auth.TenantIDMaxLength < c.Auth.TenantIDMinLength {
		errs = append(errs, errors.New("auth tenant id length bounds are inconsistent"))
	}
	if c.Index.Dimension < 1 {
		errs = append(errs, fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension))
	}
	if c.Index.M < 2 {
		errs = append(errs, fmt.Errorf("index.m must be at least 2, got %d", c.Index.M))
	}
	if c.Index.EfConstruction < c.Index.M {
		errs = append(errs, fmt.Errorf("index.ef_construction must be >= index.m, got %d", c.Index.EfConstruction))
	}
	if c.Index.EfSearch < 1 {
		errs = append(errs, fmt.Errorf("index.ef_search must be positive, got %d", c.Index.EfSearch))
	}
	if c.Index.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("index.epsilon cannot be negative, got %f", c.Index.Epsilon))
	}
	if c.Index.Metric != DistanceEuclidean {
		errs = append(errs, fmt.Errorf("index.metric must be %q, got %q", DistanceEuclidean, c.Index.Metric))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Vault.KeyLen != 32 {
		errs = append(errs, fmt.Errorf("vault.key_len must be 32 for the configured cipher, got %d", c.Vault.KeyLen))
	}

	return errors.Join(errs...)
}
