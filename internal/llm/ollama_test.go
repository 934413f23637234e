package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "qwen3:8b",
			"created_at": "2026-01-02T03:04:05Z",
			"message": {"role": "assistant", "content": "Final Answer: Привет"},
			"done": true,
			"prompt_eval_count": 12,
			"eval_count": 5
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{Temperature: 0.7}, nil)
	resp, err := c.Chat(context.Background(), "qwen3:8b", []Message{{Role: "user", Content: "привет"}}, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if got.Stream {
		t.Error("request should not stream")
	}
	if got.Options == nil || got.Options.Temperature != 0.7 {
		t.Errorf("temperature option = %+v, want 0.7", got.Options)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "привет" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if resp.Message.Content != "Final Answer: Привет" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestOllamaChat_TextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"{\"name\":\"search_by_geo\",\"arguments\":{\"location\":\"Арбат\"}}"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil)
	tools := []map[string]any{{"type": "function"}}
	resp, err := c.Chat(context.Background(), "m", nil, tools)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Arguments["location"] != "Арбат" {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil)
	if _, err := c.Chat(context.Background(), "missing", nil, nil); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL, Options{}, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
