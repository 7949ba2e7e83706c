package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProfileDevelopment, cfg.Profile)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultMaxAge, cfg.Crypto.MaxAge)
	assert.Equal(t, DefaultClientTimeout, cfg.Client.Timeout)
	assert.Equal(t, DevPassphrase, cfg.Crypto.Passphrase)
	assert.Equal(t, DevHMACSecret, cfg.Crypto.HMACSecret)
	assert.Equal(t, DevJWTSecret, cfg.Auth.JWTSecret)
	assert.ElementsMatch(t, []string{"crypto.passphrase", "crypto.hmac_secret", "auth.jwt_secret"}, cfg.DevFallbacks)
	assert.Empty(t, cfg.HTTP.CORSOrigins)
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, cfg.TLS.Hosts)
	assert.Equal(t, DefaultAuditRole, cfg.Audit.Role)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	t.Setenv("PORTAL_PROFILE", "production")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "crypto.passphrase")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestLoad_ProductionRejectsDevSecrets(t *testing.T) {
	t.Setenv("PORTAL_PROFILE", "production")
	t.Setenv("PORTAL_CRYPTO_PASSPHRASE", DevPassphrase)
	t.Setenv("PORTAL_CRYPTO_HMAC_SECRET", "a-real-production-hmac-secret")
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "a-real-production-jwt-secret-with-length")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crypto.passphrase: must not use the built-in development value")
	assert.NotContains(t, err.Error(), DevPassphrase)
}

func TestLoad_ProductionFromEnv(t *testing.T) {
	t.Setenv("PORTAL_PROFILE", "production")
	t.Setenv("PORTAL_CRYPTO_PASSPHRASE", "a-real-production-passphrase")
	t.Setenv("PORTAL_CRYPTO_HMAC_SECRET", "a-real-production-hmac-secret")
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "a-real-production-jwt-secret-with-length")
	t.Setenv("PORTAL_CRYPTO_MAX_AGE", "2m")
	t.Setenv("PORTAL_HTTP_CORS_ORIGINS", "https://portal.example.com, https://admin.example.com")
	t.Setenv("PORTAL_LOG_LEVEL", "WARN")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProfileProduction, cfg.Profile)
	assert.Equal(t, 2*time.Minute, cfg.Crypto.MaxAge)
	assert.Equal(t, []string{"https://portal.example.com", "https://admin.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Empty(t, cfg.DevFallbacks)
}

func TestLoad_ProductionRejectsSelfSignedTLS(t *testing.T) {
	t.Setenv("PORTAL_PROFILE", "production")
	t.Setenv("PORTAL_CRYPTO_PASSPHRASE", "a-real-production-passphrase")
	t.Setenv("PORTAL_CRYPTO_HMAC_SECRET", "a-real-production-hmac-secret")
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "a-real-production-jwt-secret-with-length")
	t.Setenv("PORTAL_TLS_ENABLED", "true")
	t.Setenv("PORTAL_TLS_AUTO_GENERATE", "true")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls.auto_generate")
}

func TestLoad_ProductionRejectsWildcardCORS(t *testing.T) {
	t.Setenv("PORTAL_PROFILE", "production")
	t.Setenv("PORTAL_CRYPTO_PASSPHRASE", "a-real-production-passphrase")
	t.Setenv("PORTAL_CRYPTO_HMAC_SECRET", "a-real-production-hmac-secret")
	t.Setenv("PORTAL_AUTH_JWT_SECRET", "a-real-production-jwt-secret-with-length")
	t.Setenv("PORTAL_HTTP_CORS_ORIGINS", "*")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.cors_origins")
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9443"
crypto:
  passphrase: file-passphrase-value
  max_age: 90s
  require_signature: true
client:
  timeout: 30s
http:
  cors_origins:
    - https://portal.example.com
auth:
  token_ttl: 1h
  users:
    - username: alice
      password_hash: "$2a$12$abcdefghijklmnopqrstuv"
      roles: [viewer]
workflow:
  url: https://workflow.internal/api
  deep: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.ListenAddr)
	assert.Equal(t, "file-passphrase-value", cfg.Crypto.Passphrase)
	assert.Equal(t, 90*time.Second, cfg.Crypto.MaxAge)
	assert.True(t, cfg.Crypto.RequireSignature)
	assert.Equal(t, 30*time.Second, cfg.Client.Timeout)
	assert.Equal(t, []string{"https://portal.example.com"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "alice", cfg.Auth.Users[0].Username)
	assert.Equal(t, []string{"viewer"}, cfg.Auth.Users[0].Roles)
	assert.Equal(t, "https://workflow.internal/api", cfg.Workflow.URL)
	assert.True(t, cfg.Workflow.Deep)
	assert.NotContains(t, cfg.DevFallbacks, "crypto.passphrase")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listen_addr: \":9000\"\n")
	t.Setenv("PORTAL_LISTEN_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.applyProfile()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown profile", func(c *Config) { c.Profile = "staging" }, "config.profile"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "config.auth.jwt_secret"},
		{"max age too large", func(c *Config) { c.Crypto.MaxAge = 2 * time.Hour }, "config.crypto.max_age"},
		{"zero body limit", func(c *Config) { c.HTTP.BodyLimit = 0 }, "config.http.body_limit"},
		{"bad workflow url", func(c *Config) { c.Workflow.URL = "ftp://x" }, "config.workflow.url"},
		{"workflow url without host", func(c *Config) { c.Workflow.URL = "https://" }, "config.workflow.url"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "config.log.level"},
		{"bad trusted proxy", func(c *Config) { c.HTTP.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"} }, "config.http.trusted_proxies"},
		{"trusted proxies ok", func(c *Config) { c.HTTP.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.4"} }, ""},
		{"tls without certificate", func(c *Config) { c.TLS.Enabled = true }, "config.tls"},
		{"tls cert without key", func(c *Config) { c.TLS = TLSConfig{Enabled: true, CertFile: "portal.crt"} }, "config.tls"},
		{"tls self-signed", func(c *Config) { c.TLS = TLSConfig{Enabled: true, AutoGenerate: true} }, ""},
		{"zero audit buffer", func(c *Config) { c.Audit.BufferSize = 0 }, "config.audit.buffer_size"},
		{"user without hash", func(c *Config) { c.Auth.Users = []User{{Username: "bob"}} }, "config.auth.users"},
		{"duplicate user", func(c *Config) {
			c.Auth.Users = []User{{Username: "a", PasswordHash: "h"}, {Username: "a", PasswordHash: "h"}}
		}, "duplicate username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Crypto.Passphrase = "top-secret-passphrase"
	cfg.Crypto.HMACSecret = "top-secret-hmac"
	cfg.Auth.Users = []User{{Username: "alice", PasswordHash: "$2a$12$hash"}}

	out, err := cfg.YAML()
	require.NoError(t, err)
	text := string(out)

	assert.NotContains(t, text, "top-secret")
	assert.NotContains(t, text, "$2a$12$hash")
	assert.Contains(t, text, "alice")
	assert.True(t, strings.Contains(text, "max_age: 5m0s"), text)

	// the original is untouched
	assert.Equal(t, "top-secret-passphrase", cfg.Crypto.Passphrase)
	assert.Equal(t, "$2a$12$hash", cfg.Auth.Users[0].PasswordHash)

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "development", back["profile"])
}
