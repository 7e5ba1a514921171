// Package config loads cob's configuration the way its ancestor codebase
// loads its own: a viper singleton, a config file discovered by walking up
// from the working directory, environment variables bound under a fixed
// prefix, and a ConfigSource precedence tracker so callers can tell a user
// why a given setting has the value it does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at application startup, before any Get* call.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for a project .cob/config.yaml, so
	//    subcommands work the same from any subdirectory of a checkout.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".cob", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/cob/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "cob", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory (~/.cob/config.yaml).
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".cob", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file; e.g.
	// COB_STORE_DIR, COB_JSON, COB_LOCK_TIMEOUT.
	v.SetEnvPrefix("COB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Top-level CLI-ish defaults.
	v.SetDefault("json", false)
	v.SetDefault("actor", "")

	// Object-store substrate (internal/gitstore): where the content-
	// addressed backend keeps its data. store.backend is not read by
	// cmd/cob, which always opens an FSStore at store.dir.
	v.SetDefault("store.dir", ".cob/store")
	v.SetDefault("store.backend", "fs") // "fs" | "exec" | "mem"

	// internal/lock: per-object advisory file lock directory and the
	// timeout a caller waits before giving up on a contended object.
	v.SetDefault("lock.dir", ".cob/locks")
	v.SetDefault("lock.timeout", "30s")

	// internal/cache: merged-document cache database.
	v.SetDefault("cache.path", ".cob/cache.db")
	v.SetDefault("cache.disabled", false)

	// internal/merger: schema-chain acceptance policy. "exact" is the only
	// policy schemaChainReachable currently implements; the key exists so
	// a future migration policy has somewhere to be selected from without
	// an API break.
	v.SetDefault("merger.schema-chain-policy", "exact")

	// internal/replicate: ref-directory watch debounce and sync branch
	// defaults used by `cob sync`. replicate.remote is not read by any
	// command.
	v.SetDefault("replicate.debounce", "200ms")
	v.SetDefault("replicate.remote", "origin")
	v.SetDefault("replicate.branch", "cob-sync")

	// Identity defaults consulted by commands that need an authoring
	// identity and don't have one on the command line.
	v.SetDefault("identity", "")

	// internal/hooks: directory holding on_create/on_update executables.
	v.SetDefault("hooks.dir", ".cob/hooks")
	v.SetDefault("hooks.disabled", false)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// ConfigSource represents where a configuration value came from.
type ConfigSource string

const (
	SourceDefault    ConfigSource = "default"
	SourceConfigFile ConfigSource = "config_file"
	SourceEnvVar     ConfigSource = "env_var"
	SourceFlag       ConfigSource = "flag"
)

// GetValueSource returns the source of a configuration value. Priority
// (highest to lowest): env var > config file > default. Flag overrides
// are tracked separately by the caller, since viper doesn't see cobra
// flags.
func GetValueSource(key string) ConfigSource {
	if v == nil {
		return SourceDefault
	}
	envKey := "COB_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceEnvVar
	}
	if v.InConfig(key) {
		return SourceConfigFile
	}
	return SourceDefault
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value, overriding the file/env/default chain.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// GetIdentity resolves the identity cob should author changes as.
// Priority: --identity flag > COB_IDENTITY env var / config.yaml
// identity field > hostname.
func GetIdentity(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if identity := GetString("identity"); identity != "" {
		return identity
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "unknown"
}
