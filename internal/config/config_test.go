package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FRAMESEARCH_TOKEN_SIGNING_KEY", "test-signing-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.Token.TTL.Duration())
	assert.Equal(t, 512, cfg.Index.Dimension)
	assert.Equal(t, 40, cfg.Index.M)
	assert.Equal(t, 200, cfg.Index.EfConstruction)
	assert.Equal(t, 100, cfg.Index.EfSearch)
	assert.InDelta(t, 0.8, cfg.Index.Epsilon, 1e-9)
	assert.Equal(t, DistanceEuclidean, cfg.Index.Metric)
	assert.Equal(t, 8, cfg.Auth.PasswordMinLength)
	assert.Equal(t, 64, cfg.Auth.PasswordMaxLength)
	assert.Equal(t, "framesearch.db", cfg.Store.Path)
}

func TestLoad_MissingSigningKey(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token.signing_key")
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9191
token:
  signing_key: file-key
  ttl: 24h
index:
  dimension: 2
  ef_search: 16
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "file-key", cfg.Token.SigningKey.Value())
	assert.Equal(t, 24*time.Hour, cfg.Token.TTL.Duration())
	assert.Equal(t, 2, cfg.Index.Dimension)
	assert.Equal(t, 16, cfg.Index.EfSearch)
	// Untouched fields keep defaults.
	assert.Equal(t, 40, cfg.Index.M)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\ntoken:\n  signing_key: file-key\n"), 0o600))

	t.Setenv("FRAMESEARCH_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate_RejectsBadIndexParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero dimension", func(c *Config) { c.Index.Dimension = -1 }, "index.dimension"},
		{"m too small", func(c *Config) { c.Index.M = 1 }, "index.m"},
		{"ef_construction below m", func(c *Config) { c.Index.EfConstruction = 3 }, "index.ef_construction"},
		{"negative epsilon", func(c *Config) { c.Index.Epsilon = -0.1 }, "index.epsilon"},
		{"unknown metric", func(c *Config) { c.Index.Metric = "cosine" }, "index.metric"},
		{"bad port", func(c *Config) { c.Server.Port = -2 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			cfg.Token.SigningKey = "k"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
	assert.NotContains(t, string(data), "super-secret")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
