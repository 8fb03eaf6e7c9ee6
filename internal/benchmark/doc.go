// SPDX-License-Identifier: MPL-2.0

// Package benchmark provides benchmarks for PGO profile generation.
// They cover the hot paths of tessera:
//   - CUE parsing and schema validation of manifests and module descriptors
//   - LDAP filter parsing and matching
//   - region visibility checks
//   - file repository loading
//   - a full install, start, stop, uninstall cycle
//
// To generate a profile, run:
//
//	go test ./internal/benchmark -run '^$' -bench . -cpuprofile default.pgo
package benchmark
