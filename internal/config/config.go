package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all daemon settings. Unknown keys in the file are ignored
// by encoding/json, and invalid values fall back to defaults (see
// applyFallbacks).
type Config struct {
	Port                   int    `json:"port"`
	DebugMode              bool   `json:"debugMode"`
	SyncDir                string `json:"syncDir"`
	SourcemapPath          string `json:"sourcemapPath"`
	ScriptExtension        string `json:"scriptExtension"`
	FileWatchDebounceMS    int    `json:"fileWatchDebounce"`
	DeleteOrphansOnConnect bool   `json:"deleteOrphansOnConnect"`
	SuffixModuleScripts    bool   `json:"suffixModuleScripts"`
}

// FileWatchDebounce returns the configured debounce interval as a Duration.
func (c *Config) FileWatchDebounce() time.Duration {
	return time.Duration(c.FileWatchDebounceMS) * time.Millisecond
}

// DefaultConfig returns a Config populated with Azul's defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                   8080,
		DebugMode:              false,
		SyncDir:                "./sync",
		SourcemapPath:          "./sourcemap.json",
		ScriptExtension:        ".luau",
		FileWatchDebounceMS:    100,
		DeleteOrphansOnConnect: false,
		SuffixModuleScripts:    false,
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
// A missing config file is not an error — defaults apply. A malformed
// file produces a ConfigError but still returns usable defaults; callers
// log it and continue.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	var loadErr error
	if data, err := os.ReadFile(configPath); err == nil {
		// Seed from current defaults so a partial file only overrides the
		// keys it sets.
		parsed := *cfg
		if err := json.Unmarshal(data, &parsed); err != nil {
			loadErr = &ConfigError{Path: configPath, Err: err}
		} else {
			cfg = &parsed
			applyFallbacks(cfg)
		}
	}

	if portStr := getenv("AZUL_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if debug := getenv("AZUL_DEBUG"); debug != "" {
		cfg.DebugMode = debug == "1" || debug == "true"
	}
	if syncDir := getenv("AZUL_SYNC_DIR"); syncDir != "" {
		cfg.SyncDir = syncDir
	}

	return cfg, loadErr
}

// applyFallbacks resets any field to its default when the loaded value is
// invalid.
func applyFallbacks(cfg *Config) {
	def := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.SyncDir == "" {
		cfg.SyncDir = def.SyncDir
	}
	if cfg.SourcemapPath == "" {
		cfg.SourcemapPath = def.SourcemapPath
	}
	if cfg.ScriptExtension == "" {
		cfg.ScriptExtension = def.ScriptExtension
	}
	if cfg.FileWatchDebounceMS <= 0 {
		cfg.FileWatchDebounceMS = def.FileWatchDebounceMS
	}
}

// ConfigError wraps a failure to parse the user config file. It is
// logged by the caller and defaults are used; it is never fatal.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return "config: failed to parse " + e.Path + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func getConfigPath() string {
	return getConfigPathWithEnv(os.Getenv)
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "azul", "config.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "azul", "config.json")
}

// UserConfigPath returns the resolved path to the user config file, for
// commands that want to report or create it.
func UserConfigPath() string {
	return getConfigPath()
}
