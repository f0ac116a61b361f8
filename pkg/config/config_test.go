package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	basePath := "/tmp/testdb"
	cfg := NewDefaultConfig(basePath, "stats")

	if cfg.Version != CurrentManifestVersion {
		t.Errorf("expected version %d, got %d", CurrentManifestVersion, cfg.Version)
	}

	if cfg.BasePath != basePath {
		t.Errorf("expected base path %s, got %s", basePath, cfg.BasePath)
	}

	if cfg.Prefix != "stats" {
		t.Errorf("expected prefix %q, got %q", "stats", cfg.Prefix)
	}

	if cfg.RotateAge != 24*time.Hour {
		t.Errorf("expected rotate age %s, got %s", 24*time.Hour, cfg.RotateAge)
	}

	if cfg.PersistThresholdBytes != 128*1024 {
		t.Errorf("expected persist threshold %d, got %d", 128*1024, cfg.PersistThresholdBytes)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb", "stats")

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name: "invalid version",
			mutate: func(c *Config) {
				c.Version = 0
			},
			expected: "invalid configuration: invalid version 0",
		},
		{
			name: "empty base path",
			mutate: func(c *Config) {
				c.BasePath = ""
			},
			expected: "invalid configuration: base path not specified",
		},
		{
			name: "empty prefix",
			mutate: func(c *Config) {
				c.Prefix = ""
			},
			expected: "invalid configuration: prefix not specified",
		},
		{
			name: "zero rotate age",
			mutate: func(c *Config) {
				c.RotateAge = 0
			},
			expected: "invalid configuration: rotate age must be positive",
		},
		{
			name: "delete age not after rotate age",
			mutate: func(c *Config) {
				c.DeleteAge = c.RotateAge
			},
			expected: "invalid configuration: delete age must exceed rotate age",
		},
		{
			name: "zero bucket duration",
			mutate: func(c *Config) {
				c.BucketDuration = 0
			},
			expected: "invalid configuration: bucket duration must be positive",
		},
		{
			name: "zero persist threshold",
			mutate: func(c *Config) {
				c.PersistThresholdBytes = 0
			},
			expected: "invalid configuration: persist threshold must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/testdb", "stats")
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if err.Error() != tc.expected {
				t.Errorf("expected error %q, got %q", tc.expected, err.Error())
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := NewDefaultConfig(tempDir, "stats")
	cfg.PersistThresholdBytes = 64 * 1024

	if err := cfg.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(tempDir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.PersistThresholdBytes != cfg.PersistThresholdBytes {
		t.Errorf("expected persist threshold %d, got %d", cfg.PersistThresholdBytes, loaded.PersistThresholdBytes)
	}

	if loaded.TaggedPrefix() != cfg.TaggedPrefix() {
		t.Errorf("expected tagged prefix %q, got %q", cfg.TaggedPrefix(), loaded.TaggedPrefix())
	}

	nonExistentDir := filepath.Join(tempDir, "nonexistent")
	_, err = Load(nonExistentDir)
	if err != ErrManifestNotFound {
		t.Errorf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestConfigUpdate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/testdb", "stats")

	cfg.Update(func(c *Config) {
		c.PersistThresholdBytes = 256 * 1024
	})

	if cfg.PersistThresholdBytes != 256*1024 {
		t.Errorf("expected persist threshold %d, got %d", 256*1024, cfg.PersistThresholdBytes)
	}
}
