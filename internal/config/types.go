// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// StoreCUE keeps one CUE file per subsystem under the state directory.
	StoreCUE StoreKind = "cue"
	// StoreSQLite keeps records in a SQLite database under the state directory.
	StoreSQLite StoreKind = "sqlite"
	// StoreMemory keeps nothing across runs.
	StoreMemory StoreKind = "memory"

	// LogLevelDebug logs every state transition.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo logs completed lifecycle operations.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn logs absorbed failures only.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError logs rolled back operations only.
	LogLevelError LogLevel = "error"

	// ExporterNone records spans without exporting them.
	ExporterNone TraceExporter = "none"
	// ExporterStdout prints finished spans.
	ExporterStdout TraceExporter = "stdout"
)

var (
	// ErrInvalidStoreKind is returned when a StoreKind value is not recognized.
	ErrInvalidStoreKind = errors.New("invalid store kind")
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidTraceExporter is returned when a TraceExporter value is not recognized.
	ErrInvalidTraceExporter = errors.New("invalid trace exporter")
	// ErrInvalidDirPath is the sentinel error wrapped by InvalidDirPathError.
	ErrInvalidDirPath = errors.New("invalid directory path")
	// ErrInvalidDuration is returned for negative durations.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// StoreKind selects the persistence backend.
	// Defined locally to avoid coupling config to internal/store.
	StoreKind string

	// LogLevel is the minimum level written to stderr.
	LogLevel string

	// TraceExporter selects where lifecycle spans go.
	TraceExporter string

	// DirPath is a filesystem directory. It must not be whitespace-only.
	DirPath string

	// InvalidValueError reports an unrecognized enumerated value and wraps
	// the sentinel for its type.
	InvalidValueError struct {
		Field string
		Value string
		Valid []string
		Err   error
	}

	// InvalidDirPathError is returned when a DirPath is empty or whitespace-only.
	InvalidDirPathError struct {
		Field string
		Value DirPath
	}

	// InvalidDurationError is returned when a duration is negative.
	InvalidDurationError struct {
		Field string
		Value time.Duration
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		// StateDir holds the store and module content.
		StateDir DirPath `json:"state_dir" mapstructure:"state_dir"`
		// Store selects the persistence backend.
		Store StoreKind `json:"store" mapstructure:"store"`
		// Repositories are directories served as external repository services.
		Repositories []DirPath `json:"repositories" mapstructure:"repositories"`
		// RepositoryCacheTTL bounds how long repository lookups are cached.
		RepositoryCacheTTL time.Duration `json:"repository_cache_ttl" mapstructure:"repository_cache_ttl"`
		// LogLevel is the minimum level logged.
		LogLevel LogLevel `json:"log_level" mapstructure:"log_level"`
		// Metrics configures the prometheus endpoint of tessera serve.
		Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
		// Tracing configures lifecycle spans.
		Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
		// Watch configures repository hot reload.
		Watch WatchConfig `json:"watch" mapstructure:"watch"`
	}

	// MetricsConfig configures the metrics endpoint.
	MetricsConfig struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled"`
		Address string `json:"address" mapstructure:"address"`
	}

	// TracingConfig configures tracing.
	TracingConfig struct {
		Enabled  bool          `json:"enabled" mapstructure:"enabled"`
		Exporter TraceExporter `json:"exporter" mapstructure:"exporter"`
	}

	// WatchConfig configures the repository watcher.
	WatchConfig struct {
		Enabled  bool          `json:"enabled" mapstructure:"enabled"`
		Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
	}
)

// IsValid returns whether the StoreKind is a known backend.
func (k StoreKind) IsValid() (bool, []error) {
	switch k {
	case StoreCUE, StoreSQLite, StoreMemory:
		return true, nil
	default:
		return false, []error{&InvalidValueError{Field: "store", Value: string(k), Valid: []string{"cue", "sqlite", "memory"}, Err: ErrInvalidStoreKind}}
	}
}

// IsValid returns whether the LogLevel is a known level.
func (l LogLevel) IsValid() (bool, []error) {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true, nil
	default:
		return false, []error{&InvalidValueError{Field: "log_level", Value: string(l), Valid: []string{"debug", "info", "warn", "error"}, Err: ErrInvalidLogLevel}}
	}
}

// IsValid returns whether the TraceExporter is a known exporter.
func (e TraceExporter) IsValid() (bool, []error) {
	switch e {
	case ExporterNone, ExporterStdout:
		return true, nil
	default:
		return false, []error{&InvalidValueError{Field: "tracing.exporter", Value: string(e), Valid: []string{"none", "stdout"}, Err: ErrInvalidTraceExporter}}
	}
}

// String returns the path.
func (p DirPath) String() string { return string(p) }

func (p DirPath) check(field string) []error {
	if strings.TrimSpace(string(p)) == "" {
		return []error{&InvalidDirPathError{Field: field, Value: p}}
	}
	return nil
}

func checkDuration(field string, d time.Duration) []error {
	if d < 0 {
		return []error{&InvalidDurationError{Field: field, Value: d}}
	}
	return nil
}

// IsValid returns whether every field of the Config is valid.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	errs = append(errs, c.StateDir.check("state_dir")...)
	if valid, fieldErrs := c.Store.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	for i, r := range c.Repositories {
		errs = append(errs, r.check(fmt.Sprintf("repositories[%d]", i))...)
	}
	errs = append(errs, checkDuration("repository_cache_ttl", c.RepositoryCacheTTL)...)
	if valid, fieldErrs := c.LogLevel.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if c.Tracing.Enabled {
		if valid, fieldErrs := c.Tracing.Exporter.IsValid(); !valid {
			errs = append(errs, fieldErrs...)
		}
	}
	errs = append(errs, checkDuration("watch.debounce", c.Watch.Debounce)...)
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s %q (valid: %s)", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// Unwrap returns the sentinel for the value's type.
func (e *InvalidValueError) Unwrap() error { return e.Err }

func (e *InvalidDirPathError) Error() string {
	return fmt.Sprintf("invalid %s %q: must be non-empty", e.Field, e.Value)
}

// Unwrap returns ErrInvalidDirPath for errors.Is() compatibility.
func (e *InvalidDirPathError) Unwrap() error { return ErrInvalidDirPath }

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("invalid %s %s: must not be negative", e.Field, e.Value)
}

// Unwrap returns ErrInvalidDuration for errors.Is() compatibility.
func (e *InvalidDurationError) Unwrap() error { return ErrInvalidDuration }

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig together with every field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// DefaultConfig returns the default configuration. The state directory
// depends on the environment and is filled in by Load.
func DefaultConfig() *Config {
	return &Config{
		Store:              StoreCUE,
		Repositories:       []DirPath{},
		RepositoryCacheTTL: 30 * time.Second,
		LogLevel:           LogLevelInfo,
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: ExporterNone,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
	}
}
