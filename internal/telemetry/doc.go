// SPDX-License-Identifier: MPL-2.0

// Package telemetry exposes lifecycle metrics through a dedicated prometheus
// registry and configures OpenTelemetry tracing for lifecycle spans.
package telemetry
