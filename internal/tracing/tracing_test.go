package tracing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func keepGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetup_Disabled(t *testing.T) {
	keepGlobalProvider(t)
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("disabled tracing should not replace the global provider")
	}
}

// collector accepts OTLP/HTTP trace exports.
type collector struct {
	mu       sync.Mutex
	requests int
	path     string
	ctype    string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	c.mu.Lock()
	c.requests++
	c.path, c.ctype = r.URL.Path, r.Header.Get("Content-Type")
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
}

func TestSetup_ExportsToEndpoint(t *testing.T) {
	keepGlobalProvider(t)
	col := &collector{}
	srv := httptest.NewServer(col)
	defer srv.Close()

	ctx := context.Background()
	shutdown, err := Setup(ctx, Config{Enabled: true, Endpoint: srv.URL + "/v1/traces", ServiceName: "placefinder-test"}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := otel.Tracer("placefinder/test").Start(ctx, "turn")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.requests == 0 {
		t.Fatal("no spans exported")
	}
	if col.path != "/v1/traces" || col.ctype != "application/x-protobuf" {
		t.Errorf("export went to %q as %q", col.path, col.ctype)
	}
}

func TestFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	_, span := tp.Tracer("placefinder/test").Start(context.Background(), "tool")
	Fail(span, errors.New("database is locked"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	got := ended[0]
	if got.Status().Code != codes.Error || got.Status().Description != "database is locked" {
		t.Errorf("status = %+v", got.Status())
	}
	if len(got.Events()) != 1 || got.Events()[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", got.Events())
	}
}
