package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// decodeInput turns whatever the reasoner produced into an argument map.
// Bare text is assigned to textArg. A JSON object smuggled inside the
// textArg value is unpacked into the top-level arguments.
func decodeInput(input any, textArg string) (map[string]any, error) {
	var args map[string]any
	switch v := input.(type) {
	case nil:
		args = map[string]any{}
	case map[string]any:
		args = make(map[string]any, len(v))
		for k, val := range v {
			args[k] = val
		}
	case string:
		a, err := decodeText(v, textArg)
		if err != nil {
			return nil, err
		}
		args = a
	case []byte:
		a, err := decodeText(string(v), textArg)
		if err != nil {
			return nil, err
		}
		args = a
	default:
		return nil, fmt.Errorf("unsupported input type %T", input)
	}

	if textArg != "" {
		unpackEmbedded(args, textArg)
	}
	return args, nil
}

func decodeText(text, textArg string) (map[string]any, error) {
	text = strings.TrimSpace(stripFence(text))
	if text == "" {
		return map[string]any{}, nil
	}

	switch text[0] {
	case '{':
		var m map[string]any
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("malformed JSON input: %w", err)
		}
		if m == nil {
			m = map[string]any{}
		}
		return m, nil
	case '[':
		var list []any
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("malformed JSON input: %w", err)
		}
		if textArg == "" {
			return map[string]any{}, nil
		}
		return map[string]any{textArg: list}, nil
	case '"':
		var s string
		if err := json.Unmarshal([]byte(text), &s); err == nil {
			text = strings.TrimSpace(s)
		}
	}

	if textArg == "" || text == "" {
		return map[string]any{}, nil
	}
	return map[string]any{textArg: text}, nil
}

// unpackEmbedded handles {"location": "{\"location\": \"Кремль\", ...}"}.
// Inner values win. If the inner object has no textArg the key is dropped
// rather than left holding JSON text.
func unpackEmbedded(args map[string]any, textArg string) {
	s, ok := args[textArg].(string)
	if !ok {
		return
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return
	}
	var inner map[string]any
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return
	}
	delete(args, textArg)
	for k, v := range inner {
		args[k] = v
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func floatArg(args map[string]any, key string, def float64) (float64, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %q", key, v.String())
		}
		return f, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number, got %q", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

func intArg(args map[string]any, key string, def int) (int, error) {
	f, err := floatArg(args, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s must be an integer, got %v", key, f)
	}
	return int(f), nil
}

// stringsArg accepts a list of strings, a JSON list in text form, or a
// comma-separated string. Blank entries are dropped.
func stringsArg(args map[string]any, key string) ([]string, error) {
	var raw []string
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &raw); err != nil {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
		} else {
			raw = strings.Split(s, ",")
		}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a list of strings, got %T", key, v)
	}

	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// idsArg accepts numbers or numeric strings, as a list, a JSON list in
// text form, a comma-separated string, or a single value. A missing key
// yields nil; a present but empty list yields an empty slice.
func idsArg(args map[string]any, key string) ([]int64, error) {
	var items []any
	switch v := args[key].(type) {
	case nil:
		return nil, nil
	case []any:
		items = v
	case []int64:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, fmt.Errorf("%s must be a list of integers", key)
			}
			break
		}
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	default:
		items = []any{v}
	}

	out := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := toID(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func toID(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer id", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer id", n)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unexpected id type %T", v)
	}
}
