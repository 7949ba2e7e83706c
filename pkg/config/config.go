// Package config loads portal configuration from an optional YAML file and
// PORTAL_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-portal/pkg/validation"
)

// Profile selects how missing secrets are handled.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileProduction  Profile = "production"
)

// EnvPrefix is prepended to every environment variable, with dots in key
// names replaced by underscores. crypto.passphrase is read from
// PORTAL_CRYPTO_PASSPHRASE.
const EnvPrefix = "PORTAL"

// Development-only secrets. Load refuses them in the production profile.
const (
	DevPassphrase = "cluso-portal-development-passphrase"
	DevHMACSecret = "cluso-portal-development-hmac-secret"
	DevJWTSecret  = "cluso-portal-development-jwt-signing-secret"
)

// Defaults
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxAge          = 5 * time.Minute
	DefaultClientTimeout   = 5 * time.Minute
	DefaultBodyLimit       = 1 << 20
	DefaultTokenTTL        = 15 * time.Minute
	DefaultLoginRPS        = 5.0
	DefaultLoginBurst      = 10
	DefaultReplayCacheSize = 100000
	DefaultWorkflowTimeout = 30 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultAuditBufferSize = 1000
	DefaultAuditRole       = "auditor"
)

// ErrInvalidConfig wraps every validation failure from Load.
var ErrInvalidConfig = errors.New("invalid configuration")

type CryptoConfig struct {
	Passphrase       string        `yaml:"passphrase"`
	HMACSecret       string        `yaml:"hmac_secret"`
	MaxAge           time.Duration `yaml:"max_age"`
	RequireSignature bool          `yaml:"require_signature"`
	ReplayCacheSize  int           `yaml:"replay_cache_size"`
}

type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	BodyLimit       int64         `yaml:"body_limit"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// User is a static directory entry. PasswordHash is a bcrypt hash.
type User struct {
	Username     string   `yaml:"username" mapstructure:"username"`
	PasswordHash string   `yaml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `yaml:"roles" mapstructure:"roles"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	LoginRPS   float64       `yaml:"login_rps"`
	LoginBurst int           `yaml:"login_burst"`
	Users      []User        `yaml:"users"`
}

type WorkflowConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Deep    bool          `yaml:"deep"`
}

// TLSConfig enables HTTPS on the listener. AutoGenerate creates a
// self-signed certificate at startup and is refused in production.
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	AutoGenerate bool     `yaml:"auto_generate"`
	Hosts        []string `yaml:"hosts"`
}

type AuditConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	Role       string `yaml:"role"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete portal configuration.
type Config struct {
	Profile    Profile        `yaml:"profile"`
	ListenAddr string         `yaml:"listen_addr"`
	Crypto     CryptoConfig   `yaml:"crypto"`
	Client     ClientConfig   `yaml:"client"`
	HTTP       HTTPConfig     `yaml:"http"`
	Auth       AuthConfig     `yaml:"auth"`
	Workflow   WorkflowConfig `yaml:"workflow"`
	TLS        TLSConfig      `yaml:"tls"`
	Audit      AuditConfig    `yaml:"audit"`
	Log        LogConfig      `yaml:"log"`

	// DevFallbacks lists the keys that were filled with development secrets.
	DevFallbacks []string `yaml:"-"`
}

// NewDefaultConfig returns a development configuration without secrets.
func NewDefaultConfig() *Config {
	return &Config{
		Profile:    ProfileDevelopment,
		ListenAddr: DefaultListenAddr,
		Crypto: CryptoConfig{
			MaxAge:          DefaultMaxAge,
			ReplayCacheSize: DefaultReplayCacheSize,
		},
		Client: ClientConfig{
			Timeout: DefaultClientTimeout,
		},
		HTTP: HTTPConfig{
			BodyLimit:       DefaultBodyLimit,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Auth: AuthConfig{
			TokenTTL:   DefaultTokenTTL,
			LoginRPS:   DefaultLoginRPS,
			LoginBurst: DefaultLoginBurst,
		},
		Workflow: WorkflowConfig{
			Timeout: DefaultWorkflowTimeout,
		},
		TLS: TLSConfig{
			Hosts: []string{"localhost", "127.0.0.1"},
		},
		Audit: AuditConfig{
			BufferSize: DefaultAuditBufferSize,
			Role:       DefaultAuditRole,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to find it
	v.SetDefault("profile", string(defaults.Profile))
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("crypto.passphrase", "")
	v.SetDefault("crypto.hmac_secret", "")
	v.SetDefault("crypto.max_age", defaults.Crypto.MaxAge)
	v.SetDefault("crypto.require_signature", false)
	v.SetDefault("crypto.replay_cache_size", defaults.Crypto.ReplayCacheSize)
	v.SetDefault("client.timeout", defaults.Client.Timeout)
	v.SetDefault("http.body_limit", defaults.HTTP.BodyLimit)
	v.SetDefault("http.cors_origins", "")
	v.SetDefault("http.trusted_proxies", "")
	v.SetDefault("http.read_timeout", defaults.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", defaults.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", defaults.HTTP.ShutdownTimeout)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", defaults.Auth.TokenTTL)
	v.SetDefault("auth.login_rps", defaults.Auth.LoginRPS)
	v.SetDefault("auth.login_burst", defaults.Auth.LoginBurst)
	v.SetDefault("workflow.url", "")
	v.SetDefault("workflow.timeout", defaults.Workflow.Timeout)
	v.SetDefault("workflow.deep", false)
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.auto_generate", false)
	v.SetDefault("tls.hosts", strings.Join(defaults.TLS.Hosts, ","))
	v.SetDefault("audit.buffer_size", defaults.Audit.BufferSize)
	v.SetDefault("audit.role", defaults.Audit.Role)
	v.SetDefault("log.level", defaults.Log.Level)
	return v
}

// Load reads configFile (optional) and the environment, applies the
// profile's secret policy and validates the result.
func Load(configFile string) (*Config, error) {
	v := newViper(NewDefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	cfg.applyProfile()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Profile:    Profile(strings.ToLower(v.GetString("profile"))),
		ListenAddr: v.GetString("listen_addr"),
		Crypto: CryptoConfig{
			Passphrase:       v.GetString("crypto.passphrase"),
			HMACSecret:       v.GetString("crypto.hmac_secret"),
			MaxAge:           v.GetDuration("crypto.max_age"),
			RequireSignature: v.GetBool("crypto.require_signature"),
			ReplayCacheSize:  v.GetInt("crypto.replay_cache_size"),
		},
		Client: ClientConfig{
			Timeout: v.GetDuration("client.timeout"),
		},
		HTTP: HTTPConfig{
			BodyLimit:       v.GetInt64("http.body_limit"),
			CORSOrigins:     stringList(v.Get("http.cors_origins")),
			TrustedProxies:  stringList(v.Get("http.trusted_proxies")),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Auth: AuthConfig{
			JWTSecret:  v.GetString("auth.jwt_secret"),
			TokenTTL:   v.GetDuration("auth.token_ttl"),
			LoginRPS:   v.GetFloat64("auth.login_rps"),
			LoginBurst: v.GetInt("auth.login_burst"),
		},
		Workflow: WorkflowConfig{
			URL:     v.GetString("workflow.url"),
			Timeout: v.GetDuration("workflow.timeout"),
			Deep:    v.GetBool("workflow.deep"),
		},
		TLS: TLSConfig{
			Enabled:      v.GetBool("tls.enabled"),
			CertFile:     v.GetString("tls.cert_file"),
			KeyFile:      v.GetString("tls.key_file"),
			AutoGenerate: v.GetBool("tls.auto_generate"),
			Hosts:        stringList(v.Get("tls.hosts")),
		},
		Audit: AuditConfig{
			BufferSize: v.GetInt("audit.buffer_size"),
			Role:       v.GetString("audit.role"),
		},
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("log.level")),
		},
	}

	if v.IsSet("auth.users") {
		if err := v.UnmarshalKey("auth.users", &cfg.Auth.Users); err != nil {
			return nil, fmt.Errorf("failed to parse auth.users: %w", err)
		}
	}
	return cfg, nil
}

// stringList accepts a YAML list or a comma separated string.
func stringList(raw any) []string {
	var parts []string
	switch t := raw.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []string:
		parts = t
	case []any:
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyProfile fills missing secrets with development values, but only in
// the development profile.
func (c *Config) applyProfile() {
	if c.Profile != ProfileDevelopment {
		return
	}
	fill := func(key string, field *string, fallback string) {
		if *field == "" {
			*field = fallback
			c.DevFallbacks = append(c.DevFallbacks, key)
		}
	}
	fill("crypto.passphrase", &c.Crypto.Passphrase, DevPassphrase)
	fill("crypto.hmac_secret", &c.Crypto.HMACSecret, DevHMACSecret)
	fill("auth.jwt_secret", &c.Auth.JWTSecret, DevJWTSecret)
}

// Validate checks the configuration. Production additionally rejects the
// development secrets and wildcard CORS.
func (c *Config) Validate() error {
	prod := c.Profile == ProfileProduction

	return validation.NewConfigValidator("config").
		OneOf("profile", string(c.Profile), []string{string(ProfileDevelopment), string(ProfileProduction)}).
		Required("listen_addr", c.ListenAddr).
		Required("crypto.passphrase", c.Crypto.Passphrase).
		Required("crypto.hmac_secret", c.Crypto.HMACSecret).
		Required("auth.jwt_secret", c.Auth.JWTSecret).
		MinLength("auth.jwt_secret", c.Auth.JWTSecret, 32).
		RangeDuration("crypto.max_age", c.Crypto.MaxAge, time.Second, time.Hour).
		RangeDuration("client.timeout", c.Client.Timeout, time.Second, time.Hour).
		RangeDuration("auth.token_ttl", c.Auth.TokenTTL, time.Minute, 24*time.Hour).
		PositiveInt64("http.body_limit", c.HTTP.BodyLimit).
		PositiveInt64("crypto.replay_cache_size", int64(c.Crypto.ReplayCacheSize)).
		PositiveFloat("auth.login_rps", c.Auth.LoginRPS).
		PositiveInt64("auth.login_burst", int64(c.Auth.LoginBurst)).
		PositiveInt64("audit.buffer_size", int64(c.Audit.BufferSize)).
		Required("audit.role", c.Audit.Role).
		OneOf("log.level", c.Log.Level, []string{"debug", "info", "warn", "warning", "error"}).
		Custom("workflow.url", func() error { return checkURL(c.Workflow.URL) }).
		Custom("auth.users", func() error { return checkUsers(c.Auth.Users) }).
		Custom("http.trusted_proxies", func() error { return checkProxies(c.HTTP.TrustedProxies) }).
		Custom("tls", func() error { return checkTLS(c.TLS) }).
		When(prod, func(cv *validation.ConfigValidator) {
			cv.NotEqual("crypto.passphrase", c.Crypto.Passphrase, DevPassphrase).
				NotEqual("crypto.hmac_secret", c.Crypto.HMACSecret, DevHMACSecret).
				NotEqual("auth.jwt_secret", c.Auth.JWTSecret, DevJWTSecret).
				MinLength("crypto.passphrase", c.Crypto.Passphrase, 16).
				MinLength("crypto.hmac_secret", c.Crypto.HMACSecret, 16).
				Custom("tls.auto_generate", func() error {
					if c.TLS.AutoGenerate {
						return errors.New("self-signed certificates are not allowed in production")
					}
					return nil
				}).
				Custom("http.cors_origins", func() error {
					for _, o := range c.HTTP.CORSOrigins {
						if o == "*" {
							return errors.New("wildcard origin is not allowed in production")
						}
					}
					return nil
				})
		}).
		Validate()
}

func checkProxies(entries []string) error {
	for _, e := range entries {
		if _, err := netip.ParsePrefix(e); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(e); err != nil {
			return fmt.Errorf("%q is neither an address nor a CIDR range", e)
		}
	}
	return nil
}

func checkTLS(t TLSConfig) error {
	if !t.Enabled {
		return nil
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if t.CertFile == "" && !t.AutoGenerate {
		return errors.New("enabled without a certificate or auto_generate")
	}
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func checkUsers(users []User) error {
	seen := make(map[string]bool, len(users))
	for i, u := range users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("entry %d needs username and password_hash", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("duplicate username %q", u.Username)
		}
		seen[u.Username] = true
	}
	return nil
}

// Redacted returns a copy with every secret masked.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Crypto.Passphrase = mask(c.Crypto.Passphrase)
	out.Crypto.HMACSecret = mask(c.Crypto.HMACSecret)
	out.Auth.JWTSecret = mask(c.Auth.JWTSecret)

	out.Auth.Users = make([]User, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		u.PasswordHash = mask(u.PasswordHash)
		out.Auth.Users[i] = u
	}
	out.HTTP.CORSOrigins = append([]string(nil), c.HTTP.CORSOrigins...)
	out.HTTP.TrustedProxies = append([]string(nil), c.HTTP.TrustedProxies...)
	out.TLS.Hosts = append([]string(nil), c.TLS.Hosts...)
	out.DevFallbacks = append([]string(nil), c.DevFallbacks...)
	return &out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
