package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	API   APIConfig   `mapstructure:"api"`
	Live  LiveConfig  `mapstructure:"live"`
	Cache CacheConfig `mapstructure:"cache"`
}

// APIConfig holds REST endpoint configuration
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// LiveConfig holds live channel configuration
type LiveConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig holds local cache configuration
type CacheConfig struct {
	Backend string      `mapstructure:"backend"` // pebble, redis or none
	Path    string      `mapstructure:"path"`    // pebble database directory
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis cache backend configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set defaults
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8080"
	}
	if cfg.Live.URL == "" {
		cfg.Live.URL = "ws://localhost:8080/chat/live"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "pebble"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "data/chatcache"
	}
	if cfg.Cache.Redis.Host == "" {
		cfg.Cache.Redis.Host = "localhost"
	}
	if cfg.Cache.Redis.Port == 0 {
		cfg.Cache.Redis.Port = 6379
	}
	if cfg.Cache.Redis.KeyPrefix == "" {
		cfg.Cache.Redis.KeyPrefix = "chatsync:"
	}

	return &cfg, nil
}
