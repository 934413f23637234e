package tools

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestExecute_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r, _, _ := newTestRegistry()
	ctx := context.Background()
	r.Execute(ctx, SearchByPreferences, "кофе")
	r.Execute(ctx, SearchByPreferences, map[string]any{"limit": float64(0)})
	r.Execute(ctx, "search_by_metro", nil)

	tests := []struct {
		tool    string
		outcome string
		status  codes.Code
	}{
		{SearchByPreferences, "ok", codes.Unset},
		{SearchByPreferences, "invalid_input", codes.Error},
		{"search_by_metro", "", codes.Error},
	}
	ended := rec.Ended()
	if len(ended) != len(tests) {
		t.Fatalf("ended spans = %d, want %d", len(ended), len(tests))
	}
	for i, tt := range tests {
		s := ended[i]
		attrs := map[string]string{}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if s.Name() != "tools.Execute" || attrs["tool.name"] != tt.tool {
			t.Errorf("span %d = %s %v", i, s.Name(), attrs)
		}
		if attrs["tool.outcome"] != tt.outcome {
			t.Errorf("span %d outcome = %q, want %q", i, attrs["tool.outcome"], tt.outcome)
		}
		if s.Status().Code != tt.status {
			t.Errorf("span %d status = %v, want %v", i, s.Status().Code, tt.status)
		}
	}
}
