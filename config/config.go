// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/pkiengine/backend/vault"
	"github.com/jmcleod/pkiengine/validation"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendVault = "vault"
)

// Store driver names.
const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverVault    = "vault"
)

// Config is the engine configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Backend  string       `yaml:"backend"`
	Policy   PolicyConfig `yaml:"policy"`
	Local    LocalConfig  `yaml:"local"`
	Vault    VaultConfig  `yaml:"vault"`
	Store    StoreConfig  `yaml:"store"`
}

// PolicyConfig selects the rule-set thresholds.
type PolicyConfig struct {
	KeyLength           int      `yaml:"key_length"`
	SignatureAlgorithms []string `yaml:"signature_algorithms"`
}

// LocalConfig configures the local-tooling backend.
type LocalConfig struct {
	OpenSSLPath   string `yaml:"openssl_path"`
	PassphraseEnv string `yaml:"passphrase_env"`
	CACertFile    string `yaml:"ca_cert_file"`
	CAKeyFile     string `yaml:"ca_key_file"`
}

// VaultMounts names the Vault secrets engines.
type VaultMounts struct {
	PKI string `yaml:"pki"`
	KV  string `yaml:"kv"`
}

// VaultAuth configures Vault login.
type VaultAuth struct {
	Method       string `yaml:"method"`
	RoleID       string `yaml:"role_id"`
	SecretID     string `yaml:"secret_id"`
	K8sRole      string `yaml:"k8s_role"`
	K8sTokenPath string `yaml:"k8s_token_path"`
	Token        string `yaml:"token"`
}

// VaultConfig configures the Vault backend.
type VaultConfig struct {
	Address        string      `yaml:"address"`
	Mounts         VaultMounts `yaml:"mounts"`
	PKIRole        string      `yaml:"pki_role"`
	SignExpiry     string      `yaml:"sign_expiry"`
	Auth           VaultAuth   `yaml:"auth"`
	ConnectRetries uint        `yaml:"connect_retries"`
}

// StoreConfig selects where secrets are kept.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Default returns a configuration for the local backend with an in-memory
// store.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	def := validation.DefaultPolicy()
	if c.Policy.KeyLength == 0 {
		c.Policy.KeyLength = def.KeyLength
	}
	if len(c.Policy.SignatureAlgorithms) == 0 {
		c.Policy.SignatureAlgorithms = def.SignatureAlgorithms
	}
	if c.Local.OpenSSLPath == "" {
		c.Local.OpenSSLPath = "openssl"
	}
	if c.Local.PassphraseEnv == "" {
		c.Local.PassphraseEnv = "PKI_ENGINE_PASSPHRASE"
	}
	if c.Vault.Address == "" {
		c.Vault.Address = "http://127.0.0.1:8200"
	}
	if c.Vault.Mounts.PKI == "" {
		c.Vault.Mounts.PKI = "pki"
	}
	if c.Vault.Mounts.KV == "" {
		c.Vault.Mounts.KV = "secrets"
	}
	if c.Vault.SignExpiry == "" {
		c.Vault.SignExpiry = "8760h"
	}
	if c.Vault.Auth.Method == "" {
		c.Vault.Auth.Method = string(vault.AuthAppRole)
	}
	if c.Vault.Auth.K8sTokenPath == "" {
		c.Vault.Auth.K8sTokenPath = vault.DefaultK8sTokenPath
	}
	if c.Vault.ConnectRetries == 0 {
		c.Vault.ConnectRetries = 5
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/secrets.db"
	}
	if c.Store.PassphraseEnv == "" {
		c.Store.PassphraseEnv = "PKI_ENGINE_STORE_PASSPHRASE"
	}
}

// Validate reports the first invalid setting, naming its key.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Backend != BackendLocal && c.Backend != BackendVault {
		return fmt.Errorf("backend: must be %q or %q, got %q", BackendLocal, BackendVault, c.Backend)
	}
	if err := c.ValidationPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if (c.Local.CACertFile == "") != (c.Local.CAKeyFile == "") {
		return errors.New("local: ca_cert_file and ca_key_file must be set together")
	}
	if c.Backend == BackendVault {
		if err := c.Vault.validate(); err != nil {
			return err
		}
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverBbolt:
		if c.Store.Path == "" {
			return errors.New("store.path: required for the bbolt driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn: required for the postgres driver")
		}
	case DriverVault:
		if c.Backend != BackendVault {
			return errors.New("store.driver: the vault driver requires backend: vault")
		}
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	return nil
}

func (v *VaultConfig) validate() error {
	if v.Address == "" {
		return errors.New("vault.address: required")
	}
	if _, err := time.ParseDuration(v.SignExpiry); err != nil {
		return fmt.Errorf("vault.sign_expiry: %w", err)
	}
	switch vault.AuthMethod(v.Auth.Method) {
	case vault.AuthAppRole:
		if v.Auth.RoleID == "" || v.Auth.SecretID == "" {
			return errors.New("vault.auth: role_id and secret_id are required for approle")
		}
	case vault.AuthKubernetes:
		if v.Auth.K8sRole == "" {
			return errors.New("vault.auth.k8s_role: required for kubernetes")
		}
	case vault.AuthToken:
		if v.Auth.Token == "" && os.Getenv("VAULT_TOKEN") == "" {
			return errors.New("vault.auth.token: required for token auth when VAULT_TOKEN is unset")
		}
	default:
		return fmt.Errorf("vault.auth.method: unsupported method %q", v.Auth.Method)
	}
	return nil
}

// ValidationPolicy returns the rule-set policy.
func (c *Config) ValidationPolicy() validation.Policy {
	return validation.Policy{
		KeyLength:           c.Policy.KeyLength,
		SignatureAlgorithms: c.Policy.SignatureAlgorithms,
	}
}

// VaultBackend returns the Vault backend settings. The config must have
// been validated.
func (c *Config) VaultBackend() vault.Config {
	expiry, _ := time.ParseDuration(c.Vault.SignExpiry)
	token := c.Vault.Auth.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	return vault.Config{
		Address:    c.Vault.Address,
		PKIMount:   c.Vault.Mounts.PKI,
		KVMount:    c.Vault.Mounts.KV,
		Role:       c.Vault.PKIRole,
		SignExpiry: expiry,
		Auth: vault.Auth{
			Method:       vault.AuthMethod(c.Vault.Auth.Method),
			RoleID:       c.Vault.Auth.RoleID,
			SecretID:     c.Vault.Auth.SecretID,
			K8sRole:      c.Vault.Auth.K8sRole,
			K8sTokenPath: c.Vault.Auth.K8sTokenPath,
			Token:        token,
		},
		ConnectRetries: c.Vault.ConnectRetries,
	}
}

// Passphrase reads the environment variable named by env. It returns nil
// when the variable is unset or empty.
func Passphrase(env string) []byte {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	return []byte(v)
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps debug, info, warn or error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	if l, ok := levels[strings.ToLower(s)]; ok {
		return l, nil
	}
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	slices.Sort(names)
	return 0, fmt.Errorf("log_level: must be one of %s, got %q", strings.Join(names, ", "), s)
}
