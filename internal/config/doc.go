// SPDX-License-Identifier: MPL-2.0

// Package config handles tessera configuration using Viper with CUE as the file format.
//
// Configuration is loaded from $XDG_CONFIG_HOME/tessera/config.cue (or
// ~/.config/tessera/config.cue), validated against the embedded #Config schema
// (config_schema.cue) and merged over built-in defaults. Every key can be
// overridden from the environment with the TESSERA_ prefix, for example
// TESSERA_STATE_DIR or TESSERA_METRICS_ADDRESS.
package config
