// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tessera/tessera/internal/issue"
	"github.com/tessera/tessera/pkg/cueutil"
)

const (
	// AppName is the application name.
	AppName = "tessera"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TESSERA"
)

//go:embed config_schema.cue
var configSchemaSource []byte

var configSchema = cueutil.NewSchema(configSchemaSource, "#Config")

// ConfigDir returns the tessera configuration directory: $XDG_CONFIG_HOME
// (defaulting to ~/.config) joined with the application name.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, AppName), nil
}

// DefaultStateDir returns $XDG_STATE_HOME/tessera, defaulting to
// ~/.local/state/tessera.
func DefaultStateDir() (string, error) {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, AppName), nil
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	stateDir, err := DefaultStateDir()
	if err != nil {
		return nil, "", err
	}
	defaults := DefaultConfig()
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("store", defaults.Store)
	v.SetDefault("repositories", defaults.Repositories)
	v.SetDefault("repository_cache_ttl", defaults.RepositoryCacheTTL)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.address", defaults.Metrics.Address)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("watch.enabled", defaults.Watch.Enabled)
	v.SetDefault("watch.debounce", defaults.Watch.Debounce)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := opts.ConfigFilePath
	if path != "" {
		if !fileExists(path) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'tessera config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", path)).
				BuildError()
		}
	} else {
		dir := opts.ConfigDirPath
		if dir == "" {
			if dir, err = ConfigDir(); err != nil {
				return nil, "", err
			}
		}
		path = filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
		if !fileExists(path) {
			path = ""
		}
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the #Config schema").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if valid, errs := cfg.IsValid(); !valid {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check TESSERA_* environment overrides").
			Wrap(errs[0]).
			BuildError()
	}
	return &cfg, path, nil
}

// loadCUEIntoViper parses a CUE file, validates it against #Config and merges
// it into v. Fields are optional, so validation is not concrete.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	configMap, err := configSchema.DecodeMap(data, cueutil.WithFilename(path), cueutil.WithConcrete(false))
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config to path, or to DefaultPath
// when path is empty. An existing file is left alone. It returns the path.
func CreateDefaultConfig(path string) (string, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return "", err
		}
	}
	if fileExists(path) {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// DefaultPath returns the config file tessera reads when --config is not
// given.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt), nil
}

// GenerateCUE renders cfg as a config file accepted by #Config.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// tessera configuration\n\n")
	if cfg.StateDir != "" {
		fmt.Fprintf(&sb, "state_dir: %q\n", cfg.StateDir)
	}
	fmt.Fprintf(&sb, "store: %q\n", cfg.Store)
	fmt.Fprintf(&sb, "log_level: %q\n", cfg.LogLevel)
	fmt.Fprintf(&sb, "repository_cache_ttl: %q\n", cfg.RepositoryCacheTTL.String())

	if len(cfg.Repositories) > 0 {
		sb.WriteString("\nrepositories: [\n")
		for _, r := range cfg.Repositories {
			fmt.Fprintf(&sb, "\t%q,\n", r)
		}
		sb.WriteString("]\n")
	}

	sb.WriteString("\nmetrics: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.Metrics.Enabled)
	fmt.Fprintf(&sb, "\taddress: %q\n", cfg.Metrics.Address)
	sb.WriteString("}\n")

	sb.WriteString("\ntracing: {\n")
	fmt.Fprintf(&sb, "\tenabled:  %v\n", cfg.Tracing.Enabled)
	fmt.Fprintf(&sb, "\texporter: %q\n", cfg.Tracing.Exporter)
	sb.WriteString("}\n")

	sb.WriteString("\nwatch: {\n")
	fmt.Fprintf(&sb, "\tenabled:  %v\n", cfg.Watch.Enabled)
	fmt.Fprintf(&sb, "\tdebounce: %q\n", cfg.Watch.Debounce.String())
	sb.WriteString("}\n")

	return sb.String()
}
