// Package config loads and hot-reloads the engine configuration. The
// recognized surface is deliberately small: cache limits, idle TTLs,
// prefetch concurrency, and the memory ceiling. Nothing else is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config is the full engine configuration.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Prefetch PrefetchConfig `mapstructure:"prefetch" yaml:"prefetch"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
}

// CacheConfig bounds the page, chapter, and resource caches.
type CacheConfig struct {
	MaxPageEntries         int   `mapstructure:"max_page_entries" yaml:"max_page_entries"`
	MaxPageBytes           int64 `mapstructure:"max_page_bytes" yaml:"max_page_bytes"`
	ChapterIdleTTLSeconds  int   `mapstructure:"chapter_idle_ttl_seconds" yaml:"chapter_idle_ttl_seconds"`
	ResourceIdleTTLSeconds int   `mapstructure:"resource_idle_ttl_seconds" yaml:"resource_idle_ttl_seconds"`
}

// PrefetchConfig bounds speculative rasterization.
type PrefetchConfig struct {
	// MaxConcurrency caps parallel prefetch renders. Zero derives the cap
	// from available hardware parallelism.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

// MemoryConfig bounds aggregate raster memory.
type MemoryConfig struct {
	CeilingBytes          int64 `mapstructure:"ceiling_bytes" yaml:"ceiling_bytes"`
	AutoCleanupIntervalMs int   `mapstructure:"auto_cleanup_interval_ms" yaml:"auto_cleanup_interval_ms"`
}

// ChapterIdleTTL returns the chapter idle window as a duration.
func (c *Config) ChapterIdleTTL() time.Duration {
	return time.Duration(c.Cache.ChapterIdleTTLSeconds) * time.Second
}

// ResourceIdleTTL returns the resource idle window as a duration.
func (c *Config) ResourceIdleTTL() time.Duration {
	return time.Duration(c.Cache.ResourceIdleTTLSeconds) * time.Second
}

// AutoCleanupInterval returns the monitor poll interval as a duration.
func (c *Config) AutoCleanupInterval() time.Duration {
	return time.Duration(c.Memory.AutoCleanupIntervalMs) * time.Millisecond
}

// DefaultConfig returns the defaults applied beneath any config file.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxPageEntries:         12,
			MaxPageBytes:           128 << 20,
			ChapterIdleTTLSeconds:  300,
			ResourceIdleTTLSeconds: 0, // never expire by idleness
		},
		Prefetch: PrefetchConfig{
			MaxConcurrency: 0, // derive from hardware
		},
		Memory: MemoryConfig{
			CeilingBytes:          256 << 20,
			AutoCleanupIntervalMs: 30_000,
		},
	}
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("cache", defaults.Cache)
	viper.SetDefault("prefetch", defaults.Prefetch)
	viper.SetDefault("memory", defaults.Memory)

	// Environment variables with QUIRE_ prefix
	viper.SetEnvPrefix("QUIRE")
	viper.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.quire")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Quire rendering engine configuration
# Byte sizes are plain integers; a TTL of 0 disables idle expiry.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
