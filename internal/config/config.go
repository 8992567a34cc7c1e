// Package config holds OPERATOR-LEVEL configuration for an aegis
// installation: data directory, vault encryption key, sandbox profile,
// egress proxy. Set via env vars (AEGIS_*) or config file
// (aegis.config.yaml).
//
// Workspace-level governance (budgets, approval rules, egress allowlists)
// never lives here — it comes from policy packs (internal/policy). Tenant
// credentials live only in the encrypted vault (internal/vault).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the AEGIS_ prefix
// (e.g. "vault_key" → AEGIS_VAULT_KEY) and to a YAML field in
// aegis.config.yaml.
const (
	KeyDataDir           = "data_dir"
	KeyVaultKey          = "vault_key"
	KeyVaultBackend      = "vault_backend"
	KeyPolicyOverrideDir = "policy_override_dir"
	KeySandboxImage      = "sandbox_image"
	KeySandboxNetwork    = "sandbox_network"
	KeySandboxTimeoutSec = "sandbox_timeout_sec"
	KeyEgressProxyURL    = "egress_proxy_url"
)

// Defaults that do NOT involve crypto material. The vault key has no
// baked-in default — when unset we derive a per-machine fallback and
// warn loudly.
const (
	DefaultVaultBackend      = "sqlite"
	DefaultSandboxImage      = "aegis-sandbox:latest"
	DefaultSandboxNetwork    = "none"
	DefaultSandboxTimeoutSec = 120
)

// Config holds resolved operator-level configuration for an aegis process.
type Config struct {
	DataDir           string // Base directory for all state (~/.aegis)
	VaultKey          string // AES-256 encryption key for the vault (32 bytes or 64 hex chars)
	VaultBackend      string // Vault backend selector ("sqlite")
	PolicyOverrideDir string // Workspace policy pack override directory
	SandboxImage      string // Container image for sandboxed tool execution
	SandboxNetwork    string // Docker network name for sandboxed tools ("none" = no network)
	SandboxTimeoutSec int    // Hard timeout for a sandboxed tool run
	EgressProxyURL    string // When set, exported as HTTP(S)_PROXY into sandboxes

	usingDefaultVaultKey bool
}

// UsingDefaultVaultKey returns true if the vault encryption key was derived
// rather than set explicitly. Commands should warn when this is the case.
func (c *Config) UsingDefaultVaultKey() bool {
	return c.usingDefaultVaultKey
}

// StoreDBPath returns the full path to the governance SQLite database
// (audit, approvals, budgets, runs).
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.DataDir, "governance.db")
}

// VaultDBPath returns the full path to the vault SQLite database.
func (c *Config) VaultDBPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// AuditMirrorDir returns the directory holding per-workspace audit JSONL mirrors.
func (c *Config) AuditMirrorDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the vault key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultVaultKey {
		log.Warn().Msg("Using generated default AEGIS_VAULT_KEY — set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("AEGIS")
	viper.AutomaticEnv()
	viper.SetDefault(KeyVaultBackend, DefaultVaultBackend)
	viper.SetDefault(KeySandboxImage, DefaultSandboxImage)
	viper.SetDefault(KeySandboxNetwork, DefaultSandboxNetwork)
	viper.SetDefault(KeySandboxTimeoutSec, DefaultSandboxTimeoutSec)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:           resolveDataDir(),
		VaultKey:          viper.GetString(KeyVaultKey),
		VaultBackend:      viper.GetString(KeyVaultBackend),
		PolicyOverrideDir: viper.GetString(KeyPolicyOverrideDir),
		SandboxImage:      viper.GetString(KeySandboxImage),
		SandboxNetwork:    viper.GetString(KeySandboxNetwork),
		SandboxTimeoutSec: viper.GetInt(KeySandboxTimeoutSec),
		EgressProxyURL:    viper.GetString(KeyEgressProxyURL),
	}

	if cfg.VaultKey == "" {
		cfg.VaultKey = deriveDefaultKey(cfg.DataDir, "vault-encryption")
		cfg.usingDefaultVaultKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists solely so a fresh install works out of the box while still
// encrypting vault data at rest with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("aegis:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateVaultKey(c.VaultKey); err != nil {
		return err
	}
	if c.SandboxTimeoutSec <= 0 {
		return fmt.Errorf("sandbox_timeout_sec must be positive")
	}
	switch c.VaultBackend {
	case "sqlite":
	default:
		return fmt.Errorf("unknown vault_backend %q (supported: sqlite)", c.VaultBackend)
	}
	return nil
}

// validateVaultKey accepts either 32 raw bytes or 64 hex characters
// (decodes to 32 bytes for AES-256).
func validateVaultKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil && len(decoded) == 32 {
			return nil
		}
	}
	return fmt.Errorf("vault_key must be exactly 32 bytes or 64 hex characters (got %d); set AEGIS_VAULT_KEY", n)
}
