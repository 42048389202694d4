// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved engine configuration, populated by Load.
type Config struct {
	Market     MarketConfig
	Cache      CacheConfig
	Sandbox    SandboxConfig
	Dispatcher DispatcherConfig
	Registry   RegistryConfig
	Stream     StreamConfig
	Logging    LoggingConfig
	Database   DatabaseConfig
	Vault      VaultConfig
	EventBus   EventBusConfig
}

// MarketConfig controls which symbols and intervals the engine tracks.
type MarketConfig struct {
	SymbolCount int
	MinVolume   float64
	Intervals   []string
}

// CacheConfig controls the kline cache's per-key capacity.
type CacheConfig struct {
	Capacity int
}

// SandboxConfig controls the strategy sandbox's concurrency cap.
type SandboxConfig struct {
	Concurrency int
}

// DispatcherConfig controls the signal dispatcher's dedup/backpressure knobs.
type DispatcherConfig struct {
	DedupWindow     time.Duration // 0 means "default to the triggering interval's duration"
	ExecQueueSize   int
	ErrorThreshold  int
	ErrorWindow     time.Duration
}

// RegistryConfig controls the trader registry's deletion watcher.
type RegistryConfig struct {
	PollInterval time.Duration
}

// StreamConfig controls the upstream stream client's reconnect behavior.
type StreamConfig struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// LoggingConfig controls the ambient structured logger.
type LoggingConfig struct {
	Level  string
	Format string // "json" | "console"
}

// DatabaseConfig holds the persistence DSN.
type DatabaseConfig struct {
	URL string
}

// VaultConfig holds optional HashiCorp Vault settings for sourcing secrets.
type VaultConfig struct {
	Address string
	Token   string
	Enabled bool
}

// EventBusConfig controls the per-subscriber buffer size.
type EventBusConfig struct {
	BufferSize int
}

// Load reads a .env file if present (development convenience only; silently
// ignored if absent) and then builds a Config from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	intervals := strings.Split(getEnvOrDefault("INTERVALS", "1m,5m,15m,1h,4h,1d"), ",")
	for i := range intervals {
		intervals[i] = strings.TrimSpace(intervals[i])
	}

	cfg := &Config{
		Market: MarketConfig{
			SymbolCount: getEnvIntOrDefault("SYMBOL_COUNT", 100),
			MinVolume:   getEnvFloatOrDefault("MIN_VOLUME", 0),
			Intervals:   intervals,
		},
		Cache: CacheConfig{
			Capacity: getEnvIntOrDefault("CACHE_CAPACITY", 500),
		},
		Sandbox: SandboxConfig{
			Concurrency: getEnvIntOrDefault("SANDBOX_CONCURRENCY", 10),
		},
		Dispatcher: DispatcherConfig{
			DedupWindow:    getEnvDurationMSOrDefault("DEDUP_WINDOW_MS", 0),
			ExecQueueSize:  getEnvIntOrDefault("EXEC_QUEUE_SIZE", 64),
			ErrorThreshold: getEnvIntOrDefault("TRADER_ERROR_THRESHOLD", 5),
			ErrorWindow:    getEnvDurationMSOrDefault("TRADER_ERROR_WINDOW_MS", 60_000),
		},
		Registry: RegistryConfig{
			PollInterval: getEnvDurationMSOrDefault("REGISTRY_POLL_MS", 5_000),
		},
		Stream: StreamConfig{
			ReconnectInitial: getEnvDurationMSOrDefault("STREAM_RECONNECT_INITIAL_MS", 1_000),
			ReconnectMax:     getEnvDurationMSOrDefault("STREAM_RECONNECT_MAX_MS", 30_000),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			URL: getEnvOrDefault("DATABASE_URL", ""),
		},
		Vault: VaultConfig{
			Address: getEnvOrDefault("VAULT_ADDR", ""),
			Token:   getEnvOrDefault("VAULT_TOKEN", ""),
		},
		EventBus: EventBusConfig{
			BufferSize: getEnvIntOrDefault("EVENT_BUS_BUFFER_SIZE", 256),
		},
	}
	cfg.Vault.Enabled = cfg.Vault.Address != ""

	if cfg.Database.URL == "" && !cfg.Vault.Enabled {
		return nil, fmt.Errorf("config: DATABASE_URL is required (or VAULT_ADDR to source it from vault)")
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDurationMSOrDefault(key string, defaultMS int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defaultMS) * time.Millisecond
}
