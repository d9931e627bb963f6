// Package config loads daemon configuration from ~/.ses/config.json.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Defaults for scalar options.
const (
	DefaultIdentityBaseURL        = "https://identity.ses-app.com"
	DefaultDocumentServiceURL     = "https://docs.ses-app.com/api/documents"
	DefaultMemoryServiceURL       = "https://memory.ses-app.com/api/memories"
	DefaultClaudeBaseURL          = "https://claude.ai"
	DefaultPollingIntervalSeconds = 30
	DefaultRevocationCheckDays    = 7
)

// Config holds application configuration. Boolean gates use pointers so an
// absent key can default to enabled.
type Config struct {
	// IdentityBaseURL is the base URL of the identity/license server.
	IdentityBaseURL string `json:"identity_base_url,omitempty"`

	// DocumentServiceURL is the cloud document-store endpoint the sync
	// worker posts transcripts to.
	DocumentServiceURL string `json:"document_service_url,omitempty"`

	// MemoryServiceURL is the cloud memory-retention endpoint.
	MemoryServiceURL string `json:"memory_service_url,omitempty"`

	// ClaudeBaseURL is the conversation provider origin. Overridable for
	// tests only.
	ClaudeBaseURL string `json:"claude_base_url,omitempty"`

	// TenantID identifies the document-store tenant.
	TenantID string `json:"tenant_id,omitempty"`

	// EnableClaudeCodeSync gates the session-log watcher.
	EnableClaudeCodeSync *bool `json:"enable_claude_code_sync,omitempty"`

	// EnableClaudeDesktopSync gates the local-storage scanner and its
	// filesystem watcher.
	EnableClaudeDesktopSync *bool `json:"enable_claude_desktop_sync,omitempty"`

	// PollingIntervalSeconds is the periodic re-scan cadence for the
	// watcher and the scanner.
	PollingIntervalSeconds int `json:"polling_interval_seconds,omitempty"`

	// LicensePublicKeyPem is the pre-embedded key for offline license
	// checks. Empty means no offline validation.
	LicensePublicKeyPem string `json:"license_public_key_pem,omitempty"`

	// LicenseRevocationCheckDays is the interval between online
	// revocation checks.
	LicenseRevocationCheckDays int `json:"license_revocation_check_days,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		IdentityBaseURL:            DefaultIdentityBaseURL,
		DocumentServiceURL:         DefaultDocumentServiceURL,
		MemoryServiceURL:           DefaultMemoryServiceURL,
		ClaudeBaseURL:              DefaultClaudeBaseURL,
		TenantID:                   "default",
		PollingIntervalSeconds:     DefaultPollingIntervalSeconds,
		LicenseRevocationCheckDays: DefaultRevocationCheckDays,
	}
}

// Load loads configuration from baseDir/config.json. Returns default
// config if the file doesn't exist. The baseDir parameter allows tests to
// use t.TempDir() instead of ~/.ses.
func Load(baseDir string) (*Config, error) {
	raw, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), raw), nil
}

// loadFileRaw loads a config file, returning a zero-valued config if the
// file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge combines base and overlay configs. Overlay values take precedence
// for non-zero scalars; nil boolean pointers fall back to base.
func Merge(base, overlay *Config) *Config {
	result := *base

	if overlay.IdentityBaseURL != "" {
		result.IdentityBaseURL = overlay.IdentityBaseURL
	}
	if overlay.DocumentServiceURL != "" {
		result.DocumentServiceURL = overlay.DocumentServiceURL
	}
	if overlay.MemoryServiceURL != "" {
		result.MemoryServiceURL = overlay.MemoryServiceURL
	}
	if overlay.ClaudeBaseURL != "" {
		result.ClaudeBaseURL = overlay.ClaudeBaseURL
	}
	if overlay.TenantID != "" {
		result.TenantID = overlay.TenantID
	}
	if overlay.EnableClaudeCodeSync != nil {
		result.EnableClaudeCodeSync = overlay.EnableClaudeCodeSync
	}
	if overlay.EnableClaudeDesktopSync != nil {
		result.EnableClaudeDesktopSync = overlay.EnableClaudeDesktopSync
	}
	if overlay.PollingIntervalSeconds > 0 {
		result.PollingIntervalSeconds = overlay.PollingIntervalSeconds
	}
	if overlay.LicensePublicKeyPem != "" {
		result.LicensePublicKeyPem = overlay.LicensePublicKeyPem
	}
	if overlay.LicenseRevocationCheckDays > 0 {
		result.LicenseRevocationCheckDays = overlay.LicenseRevocationCheckDays
	}

	return &result
}

// ClaudeCodeSyncEnabled reports whether the session-log watcher runs.
// Defaults to true when the key is absent.
func (c *Config) ClaudeCodeSyncEnabled() bool {
	return c.EnableClaudeCodeSync == nil || *c.EnableClaudeCodeSync
}

// ClaudeDesktopSyncEnabled reports whether the local-storage scanner runs.
// Defaults to true when the key is absent.
func (c *Config) ClaudeDesktopSyncEnabled() bool {
	return c.EnableClaudeDesktopSync == nil || *c.EnableClaudeDesktopSync
}
