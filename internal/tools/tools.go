// Package tools defines the tools available to the reasoner.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/placefinder/internal/metrics"
	"github.com/nugget/placefinder/internal/tracing"
)

const tracerName = "github.com/nugget/placefinder/internal/tools"

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// TextArg names the argument that bare text input is assigned to.
	// Empty means bare text is ignored.
	TextArg string `json:"-"`

	Handler func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns all tools in OpenAI function format for the LLM.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.Tools() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. Input may be a pre-parsed argument map, a
// JSON object in text form, or bare text. Unknown tools yield
// *ErrToolUnavailable; undecodable or invalid arguments yield
// *ErrInvalidInput.
func (r *Registry) Execute(ctx context.Context, name string, input any) (result any, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tools.Execute",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer func() {
		if err != nil {
			tracing.Fail(span, err)
		}
		span.End()
	}()

	tool := r.tools[name]
	if tool == nil {
		metrics.ObserveTool(name, "unavailable", 0)
		return nil, &ErrToolUnavailable{ToolName: name}
	}

	args, err := decodeInput(input, tool.TextArg)
	if err != nil {
		metrics.ObserveTool(name, "invalid_input", 0)
		return nil, &ErrInvalidInput{ToolName: name, Err: err}
	}

	start := time.Now()
	result, err = tool.Handler(ctx, args)
	elapsed := time.Since(start)

	outcome := "ok"
	var invalid *ErrInvalidInput
	switch {
	case errors.As(err, &invalid):
		outcome = "invalid_input"
	case err != nil:
		outcome = "error"
	}
	metrics.ObserveTool(name, outcome, elapsed)
	span.SetAttributes(attribute.String("tool.outcome", outcome))

	r.logger.Debug("tool executed", "tool", name, "outcome", outcome, "elapsed", elapsed)
	return result, err
}

// FormatResult renders a tool result as the JSON text the reasoner
// reads as its observation.
func FormatResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(data)
}
