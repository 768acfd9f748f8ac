package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want string
	}{
		{name: "set", env: "v1.2.3", want: "v1.2.3"},
		{name: "unset", env: "", want: "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.env)
			if got := getVersion(); got != tt.want {
				t.Errorf("getVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	t.Setenv("HOSTNAME", "relay-01")
	if got := getInstanceID(); got != "relay-01" {
		t.Errorf("getInstanceID() = %q, want relay-01", got)
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "localhost:4318"},
		{"tempo:4318", "tempo:4318"},
		{"http://tempo:4318", "tempo:4318"},
		{"https://otel.example.com:4318/", "otel.example.com:4318"},
	}
	for _, tt := range tests {
		if got := hostPort(tt.in); got != tt.want {
			t.Errorf("hostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	rec := setupRecorder(t)

	ctx, span := StartSpan(context.Background(), "delivery.attempt", attribute.String("channel", "push"))
	AddSpanEvent(ctx, "ratelimit.admitted")
	SetSpanError(ctx, errors.New("boom"))
	SetSpanError(ctx, nil)

	if GetTraceID(ctx) == "" || GetSpanID(ctx) == "" {
		t.Error("GetTraceID/GetSpanID empty inside span")
	}
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "delivery.attempt" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", s.Status().Code)
	}
	var sawEvent bool
	for _, e := range s.Events() {
		if e.Name == "ratelimit.admitted" {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("span missing ratelimit.admitted event")
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() = %q, want empty", got)
	}
}

func TestInjectExtract(t *testing.T) {
	setupRecorder(t)

	ctx, span := StartSpan(context.Background(), "producer")
	defer span.End()

	headers := Inject(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("Inject() = %v, want traceparent", headers)
	}

	remote := Extract(context.Background(), headers)
	child, childSpan := StartSpan(remote, "consumer")
	defer childSpan.End()
	if GetTraceID(child) != GetTraceID(ctx) {
		t.Errorf("extracted trace id = %s, want %s", GetTraceID(child), GetTraceID(ctx))
	}

	if got := Extract(context.Background(), nil); GetTraceID(got) != "" {
		t.Error("Extract(nil) produced a trace")
	}
}
