// Package config loads binary configuration from OFFLOAD_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultTimeout     = 30 * time.Second
	defaultCacheSize   = 256
	defaultRedisStream = "offload:jobs"
	defaultRedisGroup  = "offload"
	defaultWorkers     = 4

	envListenAddr    = "OFFLOAD_LISTEN_ADDR"
	envDBPath        = "OFFLOAD_DB_PATH"
	envLogLevel      = "OFFLOAD_LOG_LEVEL"
	envTimeout       = "OFFLOAD_TIMEOUT"
	envCacheSize     = "OFFLOAD_CACHE_SIZE"
	envMemoryLimitMB = "OFFLOAD_MEMORY_LIMIT_MB"
	envAllowedHosts  = "OFFLOAD_ALLOWED_HOSTS"
	envAllowPrivate  = "OFFLOAD_ALLOW_PRIVATE"
	envBaseDir       = "OFFLOAD_BASE_DIR"
	envRedisAddr     = "OFFLOAD_REDIS_ADDR"
	envRedisStream   = "OFFLOAD_REDIS_STREAM"
	envRedisGroup    = "OFFLOAD_REDIS_GROUP"
	envWorkers       = "OFFLOAD_WORKERS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string // dependency store; empty keeps dependencies in memory only
	LogLevel      slog.Level
	Timeout       time.Duration // default per-call timeout, 0 for none
	CacheSize     int
	MemoryLimitMB int
	AllowedHosts  []string
	AllowPrivate  bool
	BaseDir       string
	RedisAddr     string
	RedisStream   string
	RedisGroup    string
	Workers       int
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported rather than silently replaced.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		LogLevel:    slog.LevelInfo,
		Timeout:     defaultTimeout,
		CacheSize:   defaultCacheSize,
		RedisStream: defaultRedisStream,
		RedisGroup:  defaultRedisGroup,
		Workers:     defaultWorkers,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	cfg.DBPath = os.Getenv(envDBPath)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("%s: invalid duration %q", envTimeout, v)
		}
		cfg.Timeout = d
	}

	var err error
	if cfg.CacheSize, err = intEnv(envCacheSize, cfg.CacheSize); err != nil {
		return Config{}, err
	}
	if cfg.MemoryLimitMB, err = intEnv(envMemoryLimitMB, 0); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = intEnv(envWorkers, cfg.Workers); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(envAllowedHosts); v != "" {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.AllowedHosts = append(cfg.AllowedHosts, h)
			}
		}
	}
	if v := os.Getenv(envAllowPrivate); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid bool %q", envAllowPrivate, v)
		}
		cfg.AllowPrivate = b
	}
	cfg.BaseDir = os.Getenv(envBaseDir)
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	if v := os.Getenv(envRedisStream); v != "" {
		cfg.RedisStream = v
	}
	if v := os.Getenv(envRedisGroup); v != "" {
		cfg.RedisGroup = v
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid non-negative integer %q", key, v)
	}
	return n, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
