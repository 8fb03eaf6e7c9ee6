// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// ExporterNone records spans without exporting them.
	ExporterNone = "none"
	// ExporterStdout writes finished spans as JSON.
	ExporterStdout = "stdout"

	defaultServiceName = "tessera"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

type (
	// TracingConfig selects how lifecycle spans are exported.
	TracingConfig struct {
		Enabled     bool
		Exporter    string
		ServiceName string
		// Output receives stdout exporter spans; nil means os.Stdout.
		Output io.Writer
	}

	// Tracing owns the tracer provider handed to the engine.
	Tracing struct {
		provider *sdktrace.TracerProvider
		tracer   trace.Tracer
	}
)

// NewTracing builds a tracer provider. Disabled tracing yields a no-op tracer
// with nothing to shut down.
func NewTracing(cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{tracer: noop.NewTracerProvider().Tracer(defaultServiceName)}, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(sdkresource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	switch cfg.Exporter {
	case ExporterNone, "":
	case ExporterStdout:
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}
	p := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p)
	return &Tracing{provider: p, tracer: p.Tracer(name)}, nil
}

// Tracer returns the tracer for lifecycle spans.
func (t *Tracing) Tracer() trace.Tracer { return t.tracer }

// Enabled reports whether spans are recorded.
func (t *Tracing) Enabled() bool { return t.provider != nil }

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
