// Package config holds the on-disk, JSON-encoded configuration for a
// netstatsd rotator/recorder pair, persisted with the same
// temp-file-then-rename atomicity used by the rotator itself.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultManifestFileName is the name of the persisted config file
	// inside a rotator's base directory.
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Config bundles the options for one rotator and the recorder pair that
// use it. Two recorders always share a rotator's directory layout via
// separate prefixes (tag-free vs tag-present) — TaggedPrefix/TaggedCookie
// derive the second recorder's identifiers from the first's, so the
// on-disk manifest only needs to carry one of each.
type Config struct {
	Version int `json:"version"`

	// Rotator configuration (spec.md §4.2, §6 "Configuration options")
	BasePath  string        `json:"base_path"`
	Prefix    string        `json:"prefix"`
	RotateAge time.Duration `json:"rotate_age"`
	DeleteAge time.Duration `json:"delete_age"`

	// Recorder configuration (spec.md §4.4, §6)
	BucketDuration        time.Duration `json:"bucket_duration"`
	PersistThresholdBytes int64         `json:"persist_threshold_bytes"`
	Cookie                string        `json:"cookie"`

	mu sync.RWMutex
}

// taggedSuffix distinguishes the tag-present recorder's managed files and
// cookie from the tag-free recorder's, inside the same base directory.
const taggedSuffix = ".tag"

// TaggedPrefix returns the managed-file prefix for this config's
// tag-present recorder; Prefix itself names the tag-free recorder's.
func (c *Config) TaggedPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Prefix + taggedSuffix
}

// TaggedCookie returns the observer cookie for this config's tag-present
// recorder; Cookie itself names the tag-free recorder's.
func (c *Config) TaggedCookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cookie + taggedSuffix
}

// NewDefaultConfig creates a Config with recommended default values rooted
// at basePath.
func NewDefaultConfig(basePath, prefix string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		BasePath:  basePath,
		Prefix:    prefix,
		RotateAge: 24 * time.Hour,
		DeleteAge: 90 * 24 * time.Hour,

		BucketDuration:        time.Hour,
		PersistThresholdBytes: 128 * 1024,
		Cookie:                prefix,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.BasePath == "" {
		return fmt.Errorf("%w: base path not specified", ErrInvalidConfig)
	}

	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix not specified", ErrInvalidConfig)
	}

	if c.RotateAge <= 0 {
		return fmt.Errorf("%w: rotate age must be positive", ErrInvalidConfig)
	}

	if c.DeleteAge <= c.RotateAge {
		return fmt.Errorf("%w: delete age must exceed rotate age", ErrInvalidConfig)
	}

	if c.BucketDuration <= 0 {
		return fmt.Errorf("%w: bucket duration must be positive", ErrInvalidConfig)
	}

	if c.PersistThresholdBytes <= 0 {
		return fmt.Errorf("%w: persist threshold must be positive", ErrInvalidConfig)
	}

	return nil
}

// Load reads a previously saved Config from basePath's manifest file.
func Load(basePath string) (*Config, error) {
	manifestPath := filepath.Join(basePath, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save persists the configuration atomically: write to a temp file in the
// same directory, then rename over the manifest. A crash can only ever
// leave the prior manifest (rename never started) or the new one (rename
// completed) in place.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(c.BasePath, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(c.BasePath, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Update applies fn to the configuration under the write lock.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
