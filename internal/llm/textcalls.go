package llm

import (
	"strings"

	"github.com/goccy/go-json"
)

// ParseTextToolCalls attempts to extract tool calls from content text.
// Many models emit tool calls as JSON in the content rather than using
// the native tool_calls field. Handled formats:
//   - raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - tagged: <tool_call>...</tool_call>
func ParseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		end := strings.Index(content, "</tool_call>")
		if end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			result = append(result, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
		}
		return result
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{{Function: FunctionCall{Name: single.Name, Arguments: single.Arguments}}}
	}

	return nil
}
