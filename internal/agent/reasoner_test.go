package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/placefinder/internal/llm"
)

// mockLLM returns pre-configured responses in sequence and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func textReply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant", Content: content}}
}

var testToolDefs = []map[string]any{{
	"type":     "function",
	"function": map[string]any{"name": "search_by_geo"},
}}

func TestLLMReasoner_TextMode(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textReply("Thought: нужен геопоиск\nAction: search_by_geo\nAction Input: {\"location\": \"Кремль\"}"),
	}}
	r := NewLLMReasoner(ReasonerConfig{
		Client:       mock,
		Model:        "test-model",
		SystemPrompt: "system prompt",
		ToolDefs:     testToolDefs,
	})

	tr := &Transcript{
		Question: "Кафе рядом с Кремлем",
		Entries: []Entry{
			{Step: Step{Raw: "мусор"}, Observation: "ОШИБКА ФОРМАТА", Correction: true},
			{Step: Step{Tool: "get_user_profile", Raw: "Action: get_user_profile"}, Observation: `{"is_empty":true}`},
		},
	}
	step, err := r.Think(context.Background(), tr)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if step.Tool != "search_by_geo" || step.Input != `{"location": "Кремль"}` {
		t.Errorf("step = %+v", step)
	}

	call := mock.calls[0]
	if call.Tools != nil {
		t.Error("text mode should not send tool definitions")
	}
	if call.Model != "test-model" {
		t.Errorf("model = %q", call.Model)
	}

	wantRoles := []string{"system", "user", "assistant", "user", "assistant", "user"}
	if len(call.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(call.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if call.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, call.Messages[i].Role, role)
		}
	}
	if call.Messages[1].Content != "Question: Кафе рядом с Кремлем" {
		t.Errorf("question message = %q", call.Messages[1].Content)
	}
	if call.Messages[3].Content != "ОШИБКА ФОРМАТА" {
		t.Errorf("correction should be sent verbatim, got %q", call.Messages[3].Content)
	}
	if call.Messages[5].Content != `Observation: {"is_empty":true}` {
		t.Errorf("observation message = %q", call.Messages[5].Content)
	}
}

func TestLLMReasoner_NativeMode(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textReply("[TYPE: recommendation] Вот кафе у Кремля"),
	}}
	r := NewLLMReasoner(ReasonerConfig{
		Client:       mock,
		Model:        "test-model",
		SystemPrompt: "system prompt",
		ToolDefs:     testToolDefs,
		NativeTools:  true,
	})

	tr := &Transcript{
		Question: "Кафе рядом с Кремлем",
		Entries: []Entry{{
			Step:        Step{Tool: "search_by_geo", Input: map[string]any{"location": "Кремль"}, CallID: "call_a"},
			Observation: "[]",
		}},
	}
	step, err := r.Think(context.Background(), tr)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if !step.IsFinal() || !strings.Contains(step.Final, "Вот кафе") {
		t.Errorf("step = %+v, want final answer", step)
	}

	call := mock.calls[0]
	if len(call.Tools) != 1 {
		t.Errorf("native mode should send tool definitions, got %d", len(call.Tools))
	}
	if len(call.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(call.Messages))
	}
	assistant, tool := call.Messages[2], call.Messages[3]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_a" || assistant.ToolCalls[0].Function.Name != "search_by_geo" {
		t.Errorf("assistant tool call = %+v", assistant.ToolCalls)
	}
	if tool.Role != "tool" || tool.ToolCallID != "call_a" || tool.Content != "[]" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestLLMReasoner_ClientError(t *testing.T) {
	mock := &mockLLM{err: errors.New("connection refused")}
	r := NewLLMReasoner(ReasonerConfig{Client: mock, Model: "m"})

	_, err := r.Think(context.Background(), &Transcript{Question: "кафе"})
	if err == nil || errors.Is(err, ErrMalformedStep) {
		t.Errorf("Think() error = %v, want transport error", err)
	}
}

func TestLLMReasoner_Malformed(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textReply("Не знаю, что сказать")}}
	r := NewLLMReasoner(ReasonerConfig{Client: mock, Model: "m"})

	_, err := r.Think(context.Background(), &Transcript{Question: "кафе"})
	if !errors.Is(err, ErrMalformedStep) {
		t.Errorf("Think() error = %v, want ErrMalformedStep", err)
	}
}

func TestArgumentsOf(t *testing.T) {
	if got := argumentsOf(nil); len(got) != 0 {
		t.Errorf("argumentsOf(nil) = %v", got)
	}
	if got := argumentsOf(""); len(got) != 0 {
		t.Errorf("argumentsOf(\"\") = %v", got)
	}
	if got := argumentsOf("Кремль"); got["input"] != "Кремль" {
		t.Errorf("argumentsOf(text) = %v", got)
	}
	m := map[string]any{"query": "x"}
	if got := argumentsOf(m); got["query"] != "x" {
		t.Errorf("argumentsOf(map) = %v", got)
	}
}
