// Package config loads fastshot cache/sync settings from YAML. Env overrides take
// precedence over the file, and the file takes precedence over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ObjectStoreConfig describes how to reach the remote object store backing the
// cache. Region/Bucket/Prefix follow the remote key layout; Endpoint/PathStyle
// support S3-compatible (non-AWS) deployments.
type ObjectStoreConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	PathStyle   bool   `yaml:"path_style"`
	ProxyURL    string `yaml:"proxy_url"`
	TLSVerify   *bool  `yaml:"tls_verify"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	SessionTok  string `yaml:"session_token"`
}

func (o ObjectStoreConfig) tlsVerify() bool {
	if o.TLSVerify == nil {
		return true
	}
	return *o.TLSVerify
}

// CacheConfig controls the on-disk cache layout and the on-demand body cache.
type CacheConfig struct {
	RootDir       string `yaml:"root_dir"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
	OrphanPolicy  string `yaml:"orphan_policy"` // keep|delete|prompt
}

// SyncConfig controls the async operation pool and retry/timeout behavior.
type SyncConfig struct {
	Workers      int     `yaml:"workers"`
	RetryMax     int     `yaml:"retry_max"`
	RetryBaseMS  int     `yaml:"retry_base_ms"`
	OpTimeoutS   int     `yaml:"op_timeout_s"`
}

// SecurityConfig holds the session-body XOR keystream key. This is an
// obfuscation key, not a confidentiality guarantee; see internal/codec.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Config is the fully resolved configuration for a fastshot cache instance.
type Config struct {
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Sync        SyncConfig        `yaml:"sync"`
	Security    SecurityConfig    `yaml:"security"`
}

// RetryBaseDelay returns Sync.RetryBaseMS as a time.Duration.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Sync.RetryBaseMS) * time.Millisecond
}

// OpTimeout returns Sync.OpTimeoutS as a time.Duration.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.Sync.OpTimeoutS) * time.Second
}

func defaults(dataHome string) *Config {
	return &Config{
		Cache: CacheConfig{
			RootDir:      filepath.Join(dataHome, "fastshot", "meta_cache_root"),
			MaxBodyBytes: 500 * 1024 * 1024,
			OrphanPolicy: "prompt",
		},
		Sync: SyncConfig{
			Workers:     3,
			RetryMax:    5,
			RetryBaseMS: 1000,
			OpTimeoutS:  30,
		},
	}
}

// Load reads config from XDG_CONFIG_HOME/fastshot/config.yaml, falling back to
// built-in defaults rooted at XDG_DATA_HOME when the file is absent. Env
// overrides named FASTSHOT_<SECTION>_<KEY> take precedence over both.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "fastshot", "config.yaml")

	c := defaults(dataHome)

	b, err := os.ReadFile(path)
	if err == nil {
		var raw Config
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		mergeNonZero(c, &raw)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	c.Cache.RootDir = resolvePath(c.Cache.RootDir, dataHome)
	applyEnvOverrides(c)

	if c.Cache.OrphanPolicy == "" {
		c.Cache.OrphanPolicy = "prompt"
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 3
	}
	if c.Sync.RetryMax <= 0 {
		c.Sync.RetryMax = 5
	}
	if c.Sync.RetryBaseMS <= 0 {
		c.Sync.RetryBaseMS = 1000
	}
	if c.Sync.OpTimeoutS <= 0 {
		c.Sync.OpTimeoutS = 30
	}

	return c, nil
}

// mergeNonZero copies every non-zero field of raw into c. Pointer fields are
// copied whenever present in the parsed document; plain booleans only when
// true, since a zero-value bool "false" is indistinguishable from "absent".
func mergeNonZero(c, raw *Config) {
	if raw.ObjectStore.Bucket != "" {
		c.ObjectStore.Bucket = raw.ObjectStore.Bucket
	}
	if raw.ObjectStore.Prefix != "" {
		c.ObjectStore.Prefix = raw.ObjectStore.Prefix
	}
	if raw.ObjectStore.Region != "" {
		c.ObjectStore.Region = raw.ObjectStore.Region
	}
	if raw.ObjectStore.Endpoint != "" {
		c.ObjectStore.Endpoint = raw.ObjectStore.Endpoint
	}
	if raw.ObjectStore.PathStyle {
		c.ObjectStore.PathStyle = true
	}
	if raw.ObjectStore.ProxyURL != "" {
		c.ObjectStore.ProxyURL = raw.ObjectStore.ProxyURL
	}
	if raw.ObjectStore.TLSVerify != nil {
		c.ObjectStore.TLSVerify = raw.ObjectStore.TLSVerify
	}
	if raw.ObjectStore.AccessKey != "" {
		c.ObjectStore.AccessKey = raw.ObjectStore.AccessKey
	}
	if raw.ObjectStore.SecretKey != "" {
		c.ObjectStore.SecretKey = raw.ObjectStore.SecretKey
	}
	if raw.ObjectStore.SessionTok != "" {
		c.ObjectStore.SessionTok = raw.ObjectStore.SessionTok
	}
	if raw.Cache.RootDir != "" {
		c.Cache.RootDir = raw.Cache.RootDir
	}
	if raw.Cache.MaxBodyBytes > 0 {
		c.Cache.MaxBodyBytes = raw.Cache.MaxBodyBytes
	}
	if raw.Cache.OrphanPolicy != "" {
		c.Cache.OrphanPolicy = raw.Cache.OrphanPolicy
	}
	if raw.Sync.Workers > 0 {
		c.Sync.Workers = raw.Sync.Workers
	}
	if raw.Sync.RetryMax > 0 {
		c.Sync.RetryMax = raw.Sync.RetryMax
	}
	if raw.Sync.RetryBaseMS > 0 {
		c.Sync.RetryBaseMS = raw.Sync.RetryBaseMS
	}
	if raw.Sync.OpTimeoutS > 0 {
		c.Sync.OpTimeoutS = raw.Sync.OpTimeoutS
	}
	if raw.Security.EncryptionKey != "" {
		c.Security.EncryptionKey = raw.Security.EncryptionKey
	}
}

// applyEnvOverrides scans FASTSHOT_<SECTION>_<KEY> env vars, e.g.
// FASTSHOT_OBJECT_STORE_BUCKET, FASTSHOT_CACHE_ROOT_DIR, FASTSHOT_SYNC_WORKERS.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_BUCKET"); v != "" {
		c.ObjectStore.Bucket = v
	}
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_PREFIX"); v != "" {
		c.ObjectStore.Prefix = v
	}
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_REGION"); v != "" {
		c.ObjectStore.Region = v
	}
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_ENDPOINT"); v != "" {
		c.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_ACCESS_KEY"); v != "" {
		c.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("FASTSHOT_OBJECT_STORE_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("FASTSHOT_CACHE_ROOT_DIR"); v != "" {
		c.Cache.RootDir = v
	}
	if v := os.Getenv("FASTSHOT_CACHE_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Cache.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("FASTSHOT_CACHE_ORPHAN_POLICY"); v != "" {
		c.Cache.OrphanPolicy = v
	}
	if v := os.Getenv("FASTSHOT_SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.Workers = n
		}
	}
	if v := os.Getenv("FASTSHOT_SECURITY_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $XDG_CONFIG_HOME, $HOME placeholders
// in paths read from the config file.
func resolvePath(p, dataHome string) string {
	if !strings.Contains(p, "$") {
		return p
	}
	return filepath.Clean(os.Expand(p, func(key string) string {
		switch key {
		case "XDG_DATA_HOME":
			return dataHome
		case "XDG_CONFIG_HOME":
			return xdgConfigHome()
		case "HOME":
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
