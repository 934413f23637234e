package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestOpenAIChat_ToolCalls(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "google/gemini-2.5-flash",
			"created": 1700000000,
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "rank_personalized", "arguments": "{\"place_ids\":[1,2,3]}"}},
						{"id": "call_2", "type": "function", "function": {"name": "search_by_geo", "arguments": "Арбат"}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 20}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/v1/", "sk-test", Options{Temperature: 0.2}, nil)
	history := []Message{
		{Role: "user", Content: "кафе"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_0", Function: FunctionCall{Name: "get_user_profile", Arguments: map[string]any{}}}}},
		{Role: "tool", Content: "{}", ToolCallID: "call_0"},
	}
	resp, err := c.Chat(context.Background(), "google/gemini-2.5-flash", history, []map[string]any{{"type": "function"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", got.Temperature)
	}
	if len(got.Messages) != 3 || got.Messages[1].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("assistant tool call arguments not encoded as string: %+v", got.Messages)
	}
	if got.Messages[2].ToolCallID != "call_0" {
		t.Errorf("tool_call_id = %q", got.Messages[2].ToolCallID)
	}

	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.Message.ToolCalls))
	}
	first := resp.Message.ToolCalls[0]
	if first.ID != "call_1" || first.Function.Name != "rank_personalized" {
		t.Errorf("first call = %+v", first)
	}
	ids, ok := first.Function.Arguments["place_ids"].([]any)
	if !ok || len(ids) != 3 {
		t.Errorf("place_ids = %v", first.Function.Arguments["place_ids"])
	}
	second := resp.Message.ToolCalls[1]
	if second.Function.Arguments != nil || second.Function.RawArguments != "Арбат" {
		t.Errorf("undecodable arguments should be kept raw, got %+v", second.Function)
	}
	if resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", Options{}, nil)
	if _, err := c.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAIChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "bad", Options{}, nil)
	if _, err := c.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Fatal("expected error for 401")
	}
}
