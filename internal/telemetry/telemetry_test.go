// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserve(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveOperation("install", 3*time.Millisecond, nil)
	m.ObserveOperation("install", time.Millisecond, errors.New("boom"))
	m.ObserveOperation("start", time.Millisecond, nil)
	m.ObserveTransition("", "INSTALLING")
	m.ObserveTransition("INSTALLING", "INSTALLED")
	m.ObserveCoordinationFailure("install")
	m.ObserveLookup("content", true)
	m.ObserveLookup("services", false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"install success", testutil.ToFloat64(m.operations.WithLabelValues("install", "success")), 1},
		{"install error", testutil.ToFloat64(m.operations.WithLabelValues("install", "error")), 1},
		{"start success", testutil.ToFloat64(m.operations.WithLabelValues("start", "success")), 1},
		{"new subsystem", testutil.ToFloat64(m.transitions.WithLabelValues("NONE", "INSTALLING")), 1},
		{"installed", testutil.ToFloat64(m.transitions.WithLabelValues("INSTALLING", "INSTALLED")), 1},
		{"coordinations", testutil.ToFloat64(m.coordinations), 1},
		{"content found", testutil.ToFloat64(m.lookups.WithLabelValues("content", "found")), 1},
		{"services empty", testutil.ToFloat64(m.lookups.WithLabelValues("services", "empty")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetricsHandlerExposesStates(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.CountStates(func() map[string]int { return map[string]int{"ACTIVE": 2, "INSTALLED": 1} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`tessera_subsystems{state="ACTIVE"} 2`, `tessera_subsystems{state="INSTALLED"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTracing(t *testing.T) {
	t.Parallel()

	disabled, err := NewTracing(TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if disabled.Enabled() {
		t.Error("disabled tracing reports enabled")
	}
	if err := disabled.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}

	var buf bytes.Buffer
	enabled, err := NewTracing(TracingConfig{Enabled: true, Exporter: ExporterStdout, Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := enabled.Tracer().Start(context.Background(), "subsystem.install")
	span.End()
	if err := enabled.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "subsystem.install") {
		t.Errorf("exported spans = %q", buf.String())
	}

	if _, err := NewTracing(TracingConfig{Enabled: true, Exporter: "otlp"}); !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("NewTracing(otlp) = %v", err)
	}
}
