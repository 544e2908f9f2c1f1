// Package config handles configuration loading and validation for bucketd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig holds identity-provider settings.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`    // HS256 secret shared with the identity provider
	ProjectsFile string `yaml:"projects_file"` // Path to the project membership file
}

// StorageConfig holds storage engine settings.
type StorageConfig struct {
	MaxSizeGB int `yaml:"max_size_gb"` // Global storage quota in GB (0 = unlimited)
}

// JobsConfig holds job engine settings.
type JobsConfig struct {
	Workers   int    `yaml:"workers"`    // Worker pool size (default: 4)
	MaxQueued int    `yaml:"max_queued"` // Admission limit (0 = unbounded)
	Retention string `yaml:"retention"`  // Terminal job retention, e.g. "24h"
}

// FetchConfig holds remote download settings.
type FetchConfig struct {
	MaxAttempts int    `yaml:"max_attempts"` // Attempts per fetch (default: 3)
	Backoff     string `yaml:"backoff"`      // Initial retry backoff, e.g. "1s"
}

// Config is the bucketd server configuration.
type Config struct {
	Listen   string        `yaml:"listen"`
	LogLevel string        `yaml:"log_level"`
	DataDir  string        `yaml:"data_dir"` // Data directory for bucket trees and job state
	Auth     AuthConfig    `yaml:"auth"`
	Storage  StorageConfig `yaml:"storage"`
	Jobs     JobsConfig    `yaml:"jobs"`
	Fetch    FetchConfig   `yaml:"fetch"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/bucketd"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.Auth.ProjectsFile == "" {
		c.Auth.ProjectsFile = filepath.Join(c.DataDir, "projects.yaml")
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.Retention == "" {
		c.Jobs.Retention = "24h"
	}
	if c.Fetch.MaxAttempts == 0 {
		c.Fetch.MaxAttempts = 3
	}
	if c.Fetch.Backoff == "" {
		c.Fetch.Backoff = "1s"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if _, err := time.ParseDuration(c.Jobs.Retention); err != nil {
		return fmt.Errorf("invalid jobs.retention: %w", err)
	}
	if _, err := time.ParseDuration(c.Fetch.Backoff); err != nil {
		return fmt.Errorf("invalid fetch.backoff: %w", err)
	}
	return nil
}

// RetentionDuration returns the parsed job retention window.
func (c *Config) RetentionDuration() time.Duration {
	d, err := time.ParseDuration(c.Jobs.Retention)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// BackoffDuration returns the parsed fetch backoff.
func (c *Config) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.Fetch.Backoff)
	if err != nil {
		return time.Second
	}
	return d
}
