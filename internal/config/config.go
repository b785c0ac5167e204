package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/systmms/dsvault/internal/backends"
	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/kmscache"
	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/secret"
)

// EnvPrefix prefixes every environment override, e.g. DSVAULT_DATABASE_DSN.
const EnvPrefix = "DSVAULT"

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	AccountID  string
	UserID     string
	Definition *Definition
}

// Definition represents the dsvault.yaml structure
type Definition struct {
	Version    int                     `yaml:"version"`
	Database   storage.DBConfig        `yaml:"database"`
	MasterKey  MasterKeyConfig         `yaml:"masterKey"`
	Cache      CacheConfig             `yaml:"cache"`
	Retry      RetryConfig             `yaml:"retry"`
	Transition TransitionConfig        `yaml:"transition"`
	Limits     LimitsConfig            `yaml:"limits"`
	Vault      VaultConfig             `yaml:"vault"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Scopes     map[string]secret.Scope `yaml:"scopes,omitempty"`
}

// MasterKeyConfig says where the Local backend master key comes from. The
// environment variable wins over the keyring entry.
type MasterKeyConfig struct {
	Env     string        `yaml:"env,omitempty"`
	Keyring KeyringConfig `yaml:"keyring,omitempty"`
}

// KeyringConfig names an OS keyring entry
type KeyringConfig struct {
	Service string `yaml:"service,omitempty"`
	User    string `yaml:"user,omitempty"`
}

// CacheConfig sizes the KMS data key cache. Size 0 disables it.
type CacheConfig struct {
	Size    *int          `yaml:"size,omitempty"`
	IdleTTL time.Duration `yaml:"idleTTL,omitempty"`
}

// RetryConfig tunes backend retries
type RetryConfig struct {
	Attempts int           `yaml:"attempts,omitempty"`
	Backoff  time.Duration `yaml:"backoff,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// TransitionConfig sizes the transition worker pool
type TransitionConfig struct {
	Workers   int `yaml:"workers,omitempty"`
	QueueSize int `yaml:"queueSize,omitempty"`
	Attempts  int `yaml:"attempts,omitempty"`
}

// LimitsConfig bounds file sizes and backend call rates
type LimitsConfig struct {
	MaxFileSize    int64                `yaml:"maxFileSize,omitempty"`
	CallsPerSecond map[string]RateLimit `yaml:"callsPerSecond,omitempty"`
}

// RateLimit is a token bucket for one encryption type
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst,omitempty"`
}

// VaultConfig holds Vault-wide settings
type VaultConfig struct {
	Renewal RenewalConfig `yaml:"renewal"`
}

// RenewalConfig controls background Vault token renewal
type RenewalConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// Load reads and parses the dsvault.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a dsvault.yaml or point --config at an existing one",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your dsvault.yaml file",
		}
	}

	c.Definition = &def
	return nil
}

// NewViper returns a viper instance reading DSVAULT_* environment variables,
// with dots in keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v (by flag or environment) over
// the loaded definition.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if c.Definition == nil {
		c.Definition = &Definition{}
	}
	d := c.Definition

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("database.driver", &d.Database.Driver)
	str("database.dsn", &d.Database.DSN)
	str("database.host", &d.Database.Host)
	str("database.port", &d.Database.Port)
	str("database.name", &d.Database.Name)
	str("database.user", &d.Database.User)
	str("database.password", &d.Database.Password)
	str("database.sslmode", &d.Database.SSLMode)
	str("masterkey.env", &d.MasterKey.Env)
	str("masterkey.keyring.service", &d.MasterKey.Keyring.Service)
	str("masterkey.keyring.user", &d.MasterKey.Keyring.User)
	str("metrics.listen", &d.Metrics.Listen)
	str("account", &c.AccountID)
	str("user", &c.UserID)

	if v.IsSet("cache.size") {
		n := v.GetInt("cache.size")
		d.Cache.Size = &n
	}
	if v.IsSet("retry.attempts") {
		d.Retry.Attempts = v.GetInt("retry.attempts")
	}
	if v.IsSet("transition.workers") {
		d.Transition.Workers = v.GetInt("transition.workers")
	}
	if v.IsSet("limits.maxfilesize") {
		d.Limits.MaxFileSize = v.GetInt64("limits.maxfilesize")
	}
	if v.IsSet("vault.renewal.enabled") {
		d.Vault.Renewal.Enabled = v.GetBool("vault.renewal.enabled")
	}
}

// Validate checks the loaded definition for values no component can use
func (c *Config) Validate() error {
	d := c.Definition
	if d == nil {
		return dserrors.ConfigError{Message: "configuration not loaded"}
	}

	if _, err := storage.ParseDialect(d.Database.Driver); err != nil {
		return dserrors.ConfigError{
			Field:      "database.driver",
			Value:      d.Database.Driver,
			Message:    "unsupported database driver",
			Suggestion: "Use one of: postgres, mysql",
		}
	}
	if d.Database.DSN == "" && d.Database.Host == "" {
		return dserrors.ConfigError{
			Field:      "database",
			Message:    "no database connection configured",
			Suggestion: "Set database.dsn, or database.host with name and user",
		}
	}
	if d.Cache.Size != nil && *d.Cache.Size < 0 {
		return dserrors.ConfigError{Field: "cache.size", Value: *d.Cache.Size, Message: "must not be negative"}
	}
	if d.Retry.Attempts < 0 {
		return dserrors.ConfigError{Field: "retry.attempts", Value: d.Retry.Attempts, Message: "must not be negative"}
	}
	if d.Transition.Workers < 0 || d.Transition.QueueSize < 0 {
		return dserrors.ConfigError{Field: "transition", Message: "workers and queueSize must not be negative"}
	}
	if d.Limits.MaxFileSize < 0 {
		return dserrors.ConfigError{Field: "limits.maxFileSize", Value: d.Limits.MaxFileSize, Message: "must not be negative"}
	}
	for name, limit := range d.Limits.CallsPerSecond {
		if !knownType(secret.EncryptionType(name)) {
			return dserrors.ConfigError{
				Field:      "limits.callsPerSecond",
				Value:      name,
				Message:    "unknown encryption type",
				Suggestion: "Use an encryption type such as KMS, VAULT or AWS_SECRETS_MANAGER",
			}
		}
		if limit.Rate <= 0 {
			return dserrors.ConfigError{Field: "limits.callsPerSecond." + name, Value: limit.Rate, Message: "rate must be positive"}
		}
	}
	return nil
}

func knownType(t secret.EncryptionType) bool {
	switch t {
	case secret.EncryptionLocal, secret.EncryptionKMS, secret.EncryptionGCPKMS, secret.EncryptionVault,
		secret.EncryptionAWSSecretsManager, secret.EncryptionAzureVault, secret.EncryptionGCPSecretsManager:
		return true
	}
	return false
}

// Default master key locations
const (
	DefaultMasterKeyEnv   = "DSVAULT_MASTER_KEY"
	DefaultKeyringService = "dsvault"
	DefaultKeyringUser    = "master-key"
)

// MasterKey resolves the base64 encoded master key from the environment,
// falling back to the OS keyring.
func (c *Config) MasterKey() (*secure.SecureBuffer, error) {
	mk := c.Definition.MasterKey
	envName := mk.Env
	if envName == "" {
		envName = DefaultMasterKeyEnv
	}

	encoded := os.Getenv(envName)
	if encoded == "" {
		service := mk.Keyring.Service
		if service == "" {
			service = DefaultKeyringService
		}
		user := mk.Keyring.User
		if user == "" {
			user = DefaultKeyringUser
		}

		var err error
		encoded, err = keyring.Get(service, user)
		if err != nil {
			if errors.Is(err, keyring.ErrNotFound) {
				return nil, dserrors.ConfigError{
					Field:      "masterKey",
					Message:    "no master key found",
					Suggestion: fmt.Sprintf("Export %s, or store the key in the keyring under service %q user %q", envName, service, user),
				}
			}
			return nil, dserrors.UserError{
				Message:    "Failed to read master key from keyring",
				Details:    err.Error(),
				Suggestion: "Check that the OS keyring is unlocked",
				Err:        err,
			}
		}
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(key) != secure.KeySize {
		return nil, dserrors.ConfigError{
			Field:      "masterKey",
			Message:    fmt.Sprintf("master key must be %d base64 encoded bytes", secure.KeySize),
			Suggestion: "Generate one with: head -c 32 /dev/urandom | base64",
		}
	}
	return secure.NewSecureBuffer(key)
}

// CacheConfig returns the KMS key cache sizing
func (c *Config) CacheConfig() kmscache.Config {
	cfg := kmscache.DefaultConfig()
	if size := c.Definition.Cache.Size; size != nil {
		cfg.Size = *size
	}
	if c.Definition.Cache.IdleTTL > 0 {
		cfg.IdleTTL = c.Definition.Cache.IdleTTL
	}
	return cfg
}

// RetryConfig returns the backend retry policy
func (c *Config) RetryConfig() secretstore.RetryConfig {
	r := c.Definition.Retry
	return secretstore.RetryConfig{
		MaxAttempts:    r.Attempts,
		Interval:       r.Backoff,
		AttemptTimeout: r.Timeout,
	}
}

// StoreOptions returns the secret store options derived from limits
func (c *Config) StoreOptions() []secretstore.Option {
	l := c.Definition.Limits
	opts := []secretstore.Option{secretstore.WithRetry(c.RetryConfig())}
	if l.MaxFileSize > 0 {
		opts = append(opts, secretstore.WithMaxFileSize(l.MaxFileSize))
	}
	for name, limit := range l.CallsPerSecond {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, secretstore.WithRateLimit(secret.EncryptionType(name), limit.Rate, burst))
	}
	return opts
}

// TransitionConfig returns the coordinator configuration and queue size
func (c *Config) TransitionConfig() (transition.Config, int) {
	cfg := transition.DefaultConfig()
	t := c.Definition.Transition
	if t.Workers > 0 {
		cfg.Workers = t.Workers
	}
	if t.Attempts > 0 {
		cfg.MaxAttempts = t.Attempts
	}
	return cfg, t.QueueSize
}

// RenewerConfig returns the Vault renewal configuration
func (c *Config) RenewerConfig() backends.RenewerConfig {
	cfg := backends.DefaultRenewerConfig()
	if c.Definition.Vault.Renewal.Interval > 0 {
		cfg.Interval = c.Definition.Vault.Renewal.Interval
	}
	return cfg
}

// MetricsServer returns the metrics endpoint configuration
func (c *Config) MetricsServer() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Listen = c.Definition.Metrics.Listen
	if c.Definition.Metrics.Path != "" {
		cfg.Path = c.Definition.Metrics.Path
	}
	return cfg
}
