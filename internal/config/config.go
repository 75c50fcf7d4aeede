// Package config holds the attribute-store configuration and the pure
// capability negotiation applied at mount time.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/xattrfs/xattrfs/pkg/types"
)

// Config is the complete attribute-store configuration.
type Config struct {
	Attributes AttributeConfig `yaml:"attributes"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	S3         S3Config        `yaml:"s3"`
}

// AttributeConfig controls the attribute subsystem.
type AttributeConfig struct {
	// PageSize is the chunk size for attribute I/O; any power of two
	// >= 4096.
	PageSize int `yaml:"page_size"`

	// UserXattrs enables the user. namespace. NoUserXattrs overrides it
	// off; mount tooling sets either bit and negotiation settles them.
	UserXattrs   bool `yaml:"user_xattrs"`
	NoUserXattrs bool `yaml:"no_user_xattrs"`

	// PosixACLs enables the system.posix_acl_* names, with the same
	// override pairing.
	PosixACLs   bool `yaml:"posix_acls"`
	NoPosixACLs bool `yaml:"no_posix_acls"`

	// ReadOnly mirrors the mount's read-only state.
	ReadOnly bool `yaml:"read_only"`

	// ACLCacheEntries bounds the in-memory ACL value cache.
	ACLCacheEntries int `yaml:"acl_cache_entries"`
}

// MetricsConfig controls the prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// S3Config configures the S3-persisted volume backend.
type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the default configuration: user xattrs and POSIX ACLs
// enabled, 4KiB pages, metrics off.
func Default() *Config {
	return &Config{
		Attributes: AttributeConfig{
			PageSize:        4096,
			UserXattrs:      true,
			PosixACLs:       true,
			ACLCacheEntries: 1024,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "xattrfs",
		},
		S3: S3Config{
			Prefix:        "xattrfs",
			FlushInterval: time.Second,
		},
	}
}

// Load reads a yaml configuration file, applying defaults for absent
// fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	ps := c.Attributes.PageSize
	if ps < 4096 || ps&(ps-1) != 0 {
		return fmt.Errorf("attributes.page_size must be a power of two >= 4096, got %d", ps)
	}
	if c.Attributes.ACLCacheEntries < 0 {
		return fmt.Errorf("attributes.acl_cache_entries must be >= 0, got %d", c.Attributes.ACLCacheEntries)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// Negotiate settles the attribute capability flags from the configured
// options. It is pure: the directory-creation side of bootstrap lives with
// the store, so this decision logic is testable without disk I/O.
//
// The no_* override bits win over their enable bits, and the subsystem as
// a whole is enabled only when at least one optional attribute family is.
func Negotiate(c *Config) types.Capabilities {
	caps := types.Capabilities{
		UserXattrs: c.Attributes.UserXattrs && !c.Attributes.NoUserXattrs,
		PosixACLs:  c.Attributes.PosixACLs && !c.Attributes.NoPosixACLs,
		ReadOnly:   c.Attributes.ReadOnly,
	}
	caps.Xattrs = caps.UserXattrs || caps.PosixACLs
	return caps
}
