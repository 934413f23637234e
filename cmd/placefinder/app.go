package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/placefinder/internal/agent"
	"github.com/nugget/placefinder/internal/breaker"
	"github.com/nugget/placefinder/internal/config"
	"github.com/nugget/placefinder/internal/embeddings"
	"github.com/nugget/placefinder/internal/llm"
	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/prompts"
	"github.com/nugget/placefinder/internal/ranking"
	"github.com/nugget/placefinder/internal/retrieval"
	"github.com/nugget/placefinder/internal/session"
	"github.com/nugget/placefinder/internal/tools"
	"github.com/nugget/placefinder/internal/tracing"
	"github.com/nugget/placefinder/internal/vectorindex"
)

// app holds the wired components shared by the subcommands.
type app struct {
	store     *places.Store
	index     *vectorindex.Index
	embedder  *embeddings.Client
	retrieval *retrieval.Service
	registry  *tools.Registry
	loop      *agent.Loop

	kv       session.KV
	sessions *session.Store

	shutdownTracing tracing.Shutdown
}

// newApp opens the databases and builds the reasoning stack. Session
// storage is only opened when withSessions is set.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withSessions bool) (*app, error) {
	a := &app{}

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	store, err := places.NewStore(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open place store: %w", err)
	}
	a.store = store

	// The vector index shares the place database file.
	index, err := vectorindex.NewWithDB(store.DB())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	a.index = index

	a.embedder = embeddings.New(embeddings.Config{
		Provider: cfg.Embeddings.Provider,
		BaseURL:  cfg.Embeddings.BaseURL,
		APIKey:   cfg.Embeddings.APIKey,
		Model:    cfg.Embeddings.Model,
	})

	a.retrieval = retrieval.New(retrieval.Config{
		Embedder:    a.embedder,
		Index:       index,
		Store:       store,
		Logger:      logger,
		ProfileTTL:  cfg.ProfileCache.TTL,
		MaxProfiles: cfg.ProfileCache.MaxEntries,
		Breaker: breaker.Config{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		},
	})
	ranker := ranking.New(a.retrieval, logger)
	a.registry = tools.NewPlaceRegistry(a.retrieval, ranker, logger)

	systemPrompt, err := buildSystemPrompt(ctx, store, a.registry, cfg.LLM.NativeTools)
	if err != nil {
		a.Close()
		return nil, err
	}

	reasoner := agent.NewLLMReasoner(agent.ReasonerConfig{
		Client:       createLLMClient(cfg, logger),
		Model:        cfg.LLM.Model,
		SystemPrompt: systemPrompt,
		ToolDefs:     a.registry.List(),
		NativeTools:  cfg.LLM.NativeTools,
		Logger:       logger,
	})
	a.loop = agent.NewLoop(reasoner, a.registry, a.retrieval, agent.Config{
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxExecutionTime: cfg.Agent.MaxExecutionTime,
		HistoryTurns:     cfg.Agent.HistoryTurns,
	}, logger)

	if withSessions {
		kv, err := openSessionKV(cfg.Session)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.kv = kv
		a.sessions = session.NewStore(kv, cfg.Session.TTL, cfg.Session.LocationTTL, logger)
		logger.Info("session store opened", "backend", cfg.Session.Backend, "path", cfg.Session.Path)
	}

	return a, nil
}

// Close releases every database the app opened and flushes pending
// spans.
func (a *app) Close() error {
	var errs []error
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// buildSystemPrompt lists the tools and the catalogue's tags and
// districts so the reasoner filters with values that exist.
func buildSystemPrompt(ctx context.Context, store *places.Store, reg *tools.Registry, native bool) (string, error) {
	tags, err := store.Tags(ctx)
	if err != nil {
		return "", fmt.Errorf("load tags: %w", err)
	}
	districts, err := store.Districts(ctx)
	if err != nil {
		return "", fmt.Errorf("load districts: %w", err)
	}

	var docs []prompts.ToolDoc
	for _, t := range reg.Tools() {
		docs = append(docs, prompts.ToolDoc{Name: t.Name, Description: t.Description})
	}

	return prompts.SystemPrompt(prompts.SystemData{
		Tools:       docs,
		Tags:        tags,
		Districts:   districts,
		NativeTools: native,
	}), nil
}

func openSessionKV(cfg config.SessionConfig) (session.KV, error) {
	switch cfg.Backend {
	case "badger":
		kv, err := session.OpenBadgerKV(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return kv, nil
	default:
		kv, err := session.NewSQLiteKV(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return kv, nil
	}
}

// createLLMClient builds the reasoner backend for the configured provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	opts := llm.Options{Temperature: cfg.LLM.Temperature}
	switch cfg.LLM.Provider {
	case "ollama":
		logger.Info("LLM client initialized", "provider", "ollama", "model", cfg.LLM.Model, "base_url", cfg.LLM.BaseURL)
		return llm.NewOllamaClient(cfg.LLM.BaseURL, opts, logger)
	default:
		logger.Info("LLM client initialized", "provider", "openai", "model", cfg.LLM.Model, "base_url", cfg.LLM.BaseURL)
		return llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, opts, logger)
	}
}
