// Package config loads stallkeep's YAML configuration and applies
// defaults. Secrets (the vault key, AI credentials) are read from the
// environment, never from the file, so the file is safe to commit.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level stallkeep configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	DB       DBConfig       `yaml:"db"`
	Browser  BrowserConfig  `yaml:"browser"`
	Connect  ConnectConfig  `yaml:"connect"`
	Scrape   ScrapeConfig   `yaml:"scrape"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Platform PlatformConfig `yaml:"platform"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DBConfig controls SQLite placement.
type DBConfig struct {
	Path string `yaml:"path"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	NavTimeout       time.Duration `yaml:"nav_timeout"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// ConnectConfig controls the connect flows.
type ConnectConfig struct {
	TokenTTL   time.Duration `yaml:"token_ttl"`
	AttemptTTL time.Duration `yaml:"attempt_ttl"`
}

// ScrapeConfig controls scrape runs.
type ScrapeConfig struct {
	MaxPagesCeiling int           `yaml:"max_pages_ceiling"`
	DefaultMaxPages int           `yaml:"default_max_pages"`
	DelayMin        time.Duration `yaml:"delay_min"`
	DelayMax        time.Duration `yaml:"delay_max"`
	EvidenceDir     string        `yaml:"evidence_dir"`
}

// ScoringConfig controls the scoring engine and its AI provider. The API
// key comes from STALLKEEP_AI_KEY, not the file.
type ScoringConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	BatchSize  int           `yaml:"batch_size"`
	Workers    int           `yaml:"workers"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

// PlatformConfig points at the platform profiles file.
type PlatformConfig struct {
	ProfilesPath string `yaml:"profiles_path"`
}

// LoadFile reads a YAML configuration file and applies defaults. A missing
// path yields the pure defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8432"
	}
	if c.DB.Path == "" {
		c.DB.Path = "stallkeep.db"
	}
	if c.Browser.NavTimeout <= 0 {
		c.Browser.NavTimeout = 30 * time.Second
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if len(c.Browser.ResourceBlocking) == 0 {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.Scrape.EvidenceDir == "" {
		c.Scrape.EvidenceDir = "evidence"
	}
}

// VaultSecret reads the session encryption secret from the environment.
func VaultSecret() ([]byte, error) {
	s := os.Getenv("STALLKEEP_VAULT_SECRET")
	if s == "" {
		return nil, fmt.Errorf("config: STALLKEEP_VAULT_SECRET is not set")
	}
	return []byte(s), nil
}

// AIKey reads the scoring provider credential from the environment.
func AIKey() string {
	return os.Getenv("STALLKEEP_AI_KEY")
}
