package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9000
embedding:
  backend: "null"
  model_path: /models/minilm.onnx
cache:
  type: redis
  redis_url: redis://cache:6379/1
  default_ttl: 30m
logging:
  level: debug
  format: console
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("expected port 9000, got %d", cfg.Server.Port)
		}
		if cfg.Embedding.Backend != "null" || cfg.Embedding.ModelPath != "/models/minilm.onnx" {
			t.Errorf("unexpected embedding config %+v", cfg.Embedding)
		}
		if cfg.Cache.Type != "redis" || cfg.Cache.DefaultTTL != 30*time.Minute {
			t.Errorf("unexpected cache config %+v", cfg.Cache)
		}
		// untouched keys keep defaults
		if cfg.Embedding.ModelName != "all-MiniLM-L6-v2" || cfg.ETL.BatchSize != 64 {
			t.Errorf("expected defaults preserved, got %+v %+v", cfg.Embedding, cfg.ETL)
		}
		if !cfg.WebSocket.Events.BroadcastModel {
			t.Error("expected nested default preserved")
		}
		if ConfigFileUsed() != path {
			t.Errorf("expected config file %s, got %s", path, ConfigFileUsed())
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 9000\n")
		t.Setenv("MEMENTO_SERVER_PORT", "9100")
		t.Setenv("MEMENTO_EMBEDDING_MODEL_PATH", "/env/model.onnx")
		t.Setenv("MEMENTO_RATE_LIMIT_BURST", "7")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9100 {
			t.Errorf("expected env port 9100, got %d", cfg.Server.Port)
		}
		if cfg.Embedding.ModelPath != "/env/model.onnx" {
			t.Errorf("expected env model path, got %q", cfg.Embedding.ModelPath)
		}
		if cfg.RateLimit.Burst != 7 {
			t.Errorf("expected env burst 7, got %d", cfg.RateLimit.Burst)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing explicit config file")
		}
	})
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"bad backend", func(c *Config) { c.Embedding.Backend = "gpu" }, "embedding backend"},
		{"bad cache type", func(c *Config) { c.Cache.Type = "disk" }, "cache type"},
		{"redis without url", func(c *Config) { c.Cache.Type = "redis"; c.Cache.RedisURL = "" }, "redis_url"},
		{"store without url", func(c *Config) { c.Store.Enabled = true; c.Store.DatabaseURL = "" }, "database_url"},
		{"rate limit zero", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, "rate_limit"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad batch size", func(c *Config) { c.ETL.BatchSize = 0 }, "etl.batch_size"},
	}

	if err := validateConfig(GetDefaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("expected error mentioning %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestWatchRequiresFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())
	if _, err := Load(""); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Watch(func(*Config) {}, nil); err == nil {
		t.Error("expected error watching without a config file")
	}
}
