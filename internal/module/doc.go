// SPDX-License-Identifier: MPL-2.0

// Package module is the in-process module framework subsystems are built on.
//
// It installs module descriptors at a location, reports their capabilities
// and requirements, resolves their wiring against visible installed
// providers, and drives the per-module start/stop lifecycle. Fragments attach
// to a host module during resolution and are never started.
package module
