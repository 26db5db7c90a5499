package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{envListenAddr, envDBPath, envLogLevel, envTimeout, envCacheSize,
		envMemoryLimitMB, envAllowedHosts, envAllowPrivate, envRedisAddr, envWorkers} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != defaultListenAddr || cfg.Timeout != defaultTimeout || cfg.CacheSize != defaultCacheSize {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.Workers != defaultWorkers || cfg.RedisStream != defaultRedisStream {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv(envListenAddr, ":9999")
	t.Setenv(envDBPath, "/tmp/deps.db")
	t.Setenv(envLogLevel, "DEBUG")
	t.Setenv(envTimeout, "1500ms")
	t.Setenv(envCacheSize, "0")
	t.Setenv(envMemoryLimitMB, "64")
	t.Setenv(envAllowedHosts, " cdn.example.com, ,unpkg.com ")
	t.Setenv(envAllowPrivate, "true")
	t.Setenv(envRedisAddr, "localhost:6379")
	t.Setenv(envWorkers, "8")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DBPath != "/tmp/deps.db" || cfg.LogLevel != slog.LevelDebug {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Timeout != 1500*time.Millisecond || cfg.CacheSize != 0 || cfg.MemoryLimitMB != 64 || cfg.Workers != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedHosts) != 2 || cfg.AllowedHosts[0] != "cdn.example.com" || cfg.AllowedHosts[1] != "unpkg.com" {
		t.Errorf("AllowedHosts = %q", cfg.AllowedHosts)
	}
	if !cfg.AllowPrivate || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		envTimeout:      "soon",
		envCacheSize:    "-1",
		envWorkers:      "many",
		envAllowPrivate: "maybe",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q should be rejected", key, val)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("dropped")
	logger.Warn("kept", "unit", "u1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "kept" || rec["unit"] != "u1" {
		t.Errorf("record = %v", rec)
	}
}
