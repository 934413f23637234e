package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/placefinder/internal/metrics"
	"github.com/nugget/placefinder/internal/prompts"
	"github.com/nugget/placefinder/internal/retrieval"
	"github.com/nugget/placefinder/internal/tools"
	"github.com/nugget/placefinder/internal/tracing"
)

const tracerName = "github.com/nugget/placefinder/internal/agent"

// Defaults for Config fields left zero.
const (
	DefaultMaxIterations    = 10
	DefaultMaxExecutionTime = 60 * time.Second
	DefaultHistoryTurns     = 4
)

// Turn outcomes, used as the metrics label.
const (
	outcomeFinal   = "final"
	outcomeForced  = "forced"
	outcomeApology = "apology"
	outcomeFailed  = "failed"
)

// ToolExecutor runs a named tool. tools.Registry satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input any) (any, error)
}

// Config bounds a loop run.
type Config struct {
	MaxIterations    int
	MaxExecutionTime time.Duration
	// HistoryTurns is how many prior turns are shown with the question.
	HistoryTurns int
}

// Loop drives the THINK → ACT → OBSERVE cycle for one turn at a time.
// A Loop holds no per-turn state and is safe for concurrent use.
type Loop struct {
	reasoner Reasoner
	tools    ToolExecutor
	details  DetailSource
	logger   *slog.Logger

	maxIterations    int
	maxExecutionTime time.Duration
	historyTurns     int
}

// NewLoop creates a reasoning loop.
func NewLoop(reasoner Reasoner, executor ToolExecutor, details DetailSource, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = DefaultMaxExecutionTime
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &Loop{
		reasoner:         reasoner,
		tools:            executor,
		details:          details,
		logger:           logger,
		maxIterations:    cfg.MaxIterations,
		maxExecutionTime: cfg.MaxExecutionTime,
		historyTurns:     cfg.HistoryTurns,
	}
}

// Process runs one turn to completion. It never fails: any unexpected
// error or panic yields the fixed degraded response.
func (l *Loop) Process(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	outcome := outcomeFailed

	requestID := req.RequestID
	if requestID == "" {
		requestID = newRequestID()
	}
	log := l.logger.With("request_id", requestID, "user_id", req.UserID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.Process", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("user.id", req.UserID),
		attribute.Int("message.length", len(req.Message)),
		attribute.Int("history.length", len(req.History)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("reasoning loop panicked", "panic", r, "stack", string(debug.Stack()))
			resp = degradedResponse()
			outcome = outcomeFailed
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
		}
		span.SetAttributes(
			attribute.String("turn.outcome", outcome),
			attribute.String("response.type", string(resp.ResponseType)),
			attribute.Int("places.count", len(resp.Places)),
		)
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		log.Info("turn completed",
			"outcome", outcome,
			"response_type", resp.ResponseType,
			"places", len(resp.Places),
			"elapsed", time.Since(start),
		)
	}()

	log.Info("turn started", "message_len", len(req.Message), "history", len(req.History),
		"has_location", req.Latitude != nil && req.Longitude != nil)

	turnCtx, cancel := context.WithTimeout(ctx, l.maxExecutionTime)
	defer cancel()
	turnCtx = tools.WithScope(turnCtx, tools.Scope{
		UserID:    req.UserID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})

	t := &Transcript{
		Question: prompts.QuestionWithHistory(req.Message, historyTurns(req.History), l.historyTurns),
	}

	final, how, err := l.run(turnCtx, t, log)
	outcome = how
	if err != nil {
		log.Error("reasoning loop failed", "error", err)
		tracing.Fail(span, err)
		outcome = outcomeFailed
		return degradedResponse()
	}

	// Enrichment runs on the caller's context so a spent time budget
	// does not also throw away the places already found.
	scope := tools.ScopeFromContext(turnCtx)
	places := l.assemble(tools.WithScope(ctx, scope), t)
	text, kind := classify(final, len(places))

	return Response{Text: text, Places: places, ResponseType: kind}
}

// run executes the state machine and returns the final text with the
// outcome label. An error means the turn cannot be answered at all.
func (l *Loop) run(ctx context.Context, t *Transcript, log *slog.Logger) (string, string, error) {
	iterations := 0
	corrected := false
	defer func() {
		metrics.LoopIterations.Observe(float64(iterations))
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("agent.iterations", iterations))
	}()

	for {
		if ctx.Err() != nil {
			log.Warn("time budget exhausted", "iterations", iterations)
			return prompts.IterationLimitText, outcomeForced, nil
		}

		step, err := l.reasoner.Think(ctx, t)
		if err != nil {
			var malformed *MalformedStepError
			switch {
			case errors.As(err, &malformed):
				if corrected {
					log.Warn("reasoner output unparseable after correction", "error", err)
					return prompts.ParseFailureApology, outcomeApology, nil
				}
				corrected = true
				log.Warn("reasoner output unparseable, sending correction", "error", err)
				t.Entries = append(t.Entries, Entry{
					Step:        Step{Raw: malformed.Raw},
					Observation: prompts.FormatCorrection,
					Correction:  true,
				})
				continue
			case errors.Is(err, ErrMalformedStep):
				return prompts.ParseFailureApology, outcomeApology, nil
			case ctx.Err() != nil:
				log.Warn("time budget exhausted during reasoning", "iterations", iterations)
				return prompts.IterationLimitText, outcomeForced, nil
			default:
				return "", outcomeFailed, fmt.Errorf("reasoner: %w", err)
			}
		}

		if step.IsFinal() {
			log.Debug("final answer", "iterations", iterations)
			return step.Final, outcomeFinal, nil
		}

		if iterations >= l.maxIterations {
			log.Warn("iteration limit reached", "iterations", iterations)
			return prompts.IterationLimitText, outcomeForced, nil
		}
		iterations++

		log.Info("tool call", "iteration", iterations, "tool", step.Tool)
		t.Entries = append(t.Entries, l.act(ctx, step, log))
	}
}

// act runs one tool call and turns its result or error into an
// observation.
func (l *Loop) act(ctx context.Context, step *Step, log *slog.Logger) Entry {
	entry := Entry{Step: *step}

	result, err := l.tools.Execute(ctx, step.Tool, step.Input)
	if err != nil {
		log.Warn("tool call failed", "tool", step.Tool, "error", err)
		entry.Err = err
		entry.Observation = "Ошибка: " + err.Error()
		return entry
	}

	entry.Result = result
	entry.Observation = tools.FormatObservation(step.Tool, result)
	if list, ok := result.([]retrieval.Candidate); ok {
		log.Info("tool returned places", "tool", step.Tool, "count", len(list))
	}
	return entry
}

func historyTurns(history []Message) []prompts.HistoryTurn {
	out := make([]prompts.HistoryTurn, 0, len(history))
	for _, m := range history {
		out = append(out, prompts.HistoryTurn{FromUser: m.Role == "user", Content: m.Content})
	}
	return out
}

func degradedResponse() Response {
	return Response{
		Text:         prompts.DegradedResponse,
		Places:       []retrieval.Candidate{},
		ResponseType: ResponseQuestion,
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
