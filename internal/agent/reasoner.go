package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/placefinder/internal/llm"
	"github.com/nugget/placefinder/internal/tracing"
)

// ReasonerConfig configures an LLMReasoner.
type ReasonerConfig struct {
	Client       llm.Client
	Model        string
	SystemPrompt string

	// ToolDefs are sent to the provider when NativeTools is set.
	ToolDefs    []map[string]any
	NativeTools bool

	Logger *slog.Logger
}

// LLMReasoner implements Reasoner over a chat-completion client. In
// text mode the model follows the Thought/Action/Observation grammar
// from the system prompt; in native mode it uses provider tool calls.
type LLMReasoner struct {
	client       llm.Client
	model        string
	systemPrompt string
	toolDefs     []map[string]any
	native       bool
	logger       *slog.Logger
}

// NewLLMReasoner creates a reasoner.
func NewLLMReasoner(cfg ReasonerConfig) *LLMReasoner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &LLMReasoner{
		client:       cfg.Client,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		native:       cfg.NativeTools,
		logger:       logger.With("component", "reasoner"),
	}
	if cfg.NativeTools {
		r.toolDefs = cfg.ToolDefs
	}
	return r
}

// Think asks the model for the next step.
func (r *LLMReasoner) Think(ctx context.Context, t *Transcript) (*Step, error) {
	msgs := r.messages(t)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.Think", trace.WithAttributes(
		attribute.String("llm.model", r.model),
		attribute.Int("llm.messages", len(msgs)),
		attribute.Bool("llm.native_tools", r.native),
	))
	defer span.End()

	r.logger.Debug("calling LLM", "model", r.model, "messages", len(msgs), "native_tools", r.native)
	resp, err := r.client.Chat(ctx, r.model, msgs, r.toolDefs)
	if err != nil {
		tracing.Fail(span, err)
		return nil, fmt.Errorf("chat: %w", err)
	}
	r.logger.Debug("LLM replied",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
		"elapsed", resp.TotalDuration,
	)
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)),
	)

	step, err := parseReply(resp.Message, r.native)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if step.Tool != "" {
		span.SetAttributes(attribute.String("agent.action", step.Tool))
	}
	return step, nil
}

// messages renders the transcript as a chat conversation.
func (r *LLMReasoner) messages(t *Transcript) []llm.Message {
	msgs := make([]llm.Message, 0, 2+2*len(t.Entries))
	msgs = append(msgs,
		llm.Message{Role: "system", Content: r.systemPrompt},
		llm.Message{Role: "user", Content: "Question: " + t.Question},
	)

	for i, e := range t.Entries {
		if e.Correction || !r.native {
			msgs = append(msgs,
				llm.Message{Role: "assistant", Content: e.Step.Raw},
				llm.Message{Role: "user", Content: observationText(e)},
			)
			continue
		}

		callID := e.Step.CallID
		if callID == "" {
			callID = "call_" + strconv.Itoa(i+1)
		}
		msgs = append(msgs,
			llm.Message{
				Role:    "assistant",
				Content: e.Step.Raw,
				ToolCalls: []llm.ToolCall{{
					ID:       callID,
					Function: llm.FunctionCall{Name: e.Step.Tool, Arguments: argumentsOf(e.Step.Input)},
				}},
			},
			llm.Message{Role: "tool", Content: e.Observation, ToolCallID: callID},
		)
	}
	return msgs
}

func observationText(e Entry) string {
	if e.Correction {
		return e.Observation
	}
	return observationLabel + " " + e.Observation
}

func argumentsOf(input any) map[string]any {
	switch v := input.(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	case string:
		if v == "" {
			return map[string]any{}
		}
		return map[string]any{"input": v}
	default:
		return map[string]any{"input": v}
	}
}
