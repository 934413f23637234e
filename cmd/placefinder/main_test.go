package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/goccy/go-json"

	"github.com/nugget/placefinder/examples"
	"github.com/nugget/placefinder/internal/agent"
	"github.com/nugget/placefinder/internal/buildinfo"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "placefinder ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run -o json version: %v", err)
	}
	var b buildinfo.Build
	if err := json.Unmarshal(out.Bytes(), &b); err != nil {
		t.Fatalf("version json: %v (%s)", err, out.String())
	}
	if b.Version == "" || b.Platform == "" {
		t.Errorf("build = %+v", b)
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"ask without message", []string{"ask"}, "usage: placefinder ask"},
		{"import without file", []string{"import"}, "usage: placefinder import"},
		{"missing explicit config", []string{"-config", "/nonexistent/config.yaml", "ask", "кофе"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: placefinder") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "workspace")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, examples.ConfigYAML) {
		t.Error("config.yaml should match the bundled example")
	}

	// A second run leaves user edits alone.
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "log_level: debug\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "already exists") {
		t.Errorf("output = %q", buf.String())
	}
}

// fakeBackends serves the embeddings and chat completion endpoints.
// Replies are handed out in order.
type fakeBackends struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeBackends) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/embeddings":
		fmt.Fprint(w, `{"data": [{"embedding": [1, 0, 0], "index": 0}]}`)
	case "/chat/completions":
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.calls >= len(f.replies) {
			http.Error(w, `{"error": "no more replies"}`, http.StatusInternalServerError)
			return
		}
		content, _ := json.Marshal(f.replies[f.calls])
		f.calls++
		fmt.Fprintf(w, `{"model": "test-model", "choices": [{"message": {"role": "assistant", "content": %s}, "finish_reason": "stop"}]}`, content)
	default:
		http.NotFound(w, r)
	}
}

func writeTestConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
llm:
  provider: openai
  base_url: %[1]s
  model: test-model
embeddings:
  provider: openai
  base_url: %[1]s
database:
  path: %[2]s
session:
  path: %[3]s
log_level: error
`, baseURL, filepath.Join(dir, "places.db"), filepath.Join(dir, "session.db"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestImportAndAsk(t *testing.T) {
	backends := &fakeBackends{replies: []string{
		"Thought: ищу кофейни\nAction: search_by_preferences\nAction Input: {\"query\": \"кофе\"}",
		"Thought: нашёл\nFinal Answer: [TYPE: recommendation] Загляни в Кофеманию.",
	}}
	srv := httptest.NewServer(backends)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir, srv.URL)

	catalogue := filepath.Join(dir, "places.json")
	if err := os.WriteFile(catalogue, []byte(`[
		{"id": 1, "name": "Кофемания", "district": "Арбат", "rating": 4.6, "tags": ["Кофейня"]},
		{"id": 2, "name": "Пельменная", "rating": 3.9, "tags": ["Столовая"]}
	]`), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "import", catalogue}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out.String(), "Imported 2 places (1 embedded, 0 skipped)") {
		t.Errorf("import output = %q", out.String())
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "ask", "Хочу", "кофе"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	var resp agent.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("decode ask output: %v (%s)", err, stdout.String())
	}
	if resp.ResponseType != agent.ResponseRecommendation || resp.Text != "Загляни в Кофеманию." {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Places) != 1 || resp.Places[0].ID != 1 || resp.Places[0].SimilarityScore == nil {
		t.Errorf("places = %+v", resp.Places)
	}
}
