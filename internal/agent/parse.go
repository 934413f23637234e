package agent

import (
	"regexp"
	"strings"

	"github.com/nugget/placefinder/internal/llm"
)

const (
	finalAnswerPrefix = "Final Answer:"
	observationLabel  = "Observation:"
)

var (
	actionRe      = regexp.MustCompile(`(?m)^\s*Action\s*\d*\s*:\s*(.+?)\s*$`)
	actionInputRe = regexp.MustCompile(`(?s)Action\s*\d*\s*Input\s*\d*\s*:\s*(.*)`)
	thoughtRe     = regexp.MustCompile(`(?s)^\s*(?:Thought\s*:)?\s*(.*?)\s*$`)
)

// parseReply turns an LLM message into a step. Native tool calls win;
// otherwise the text is read as a ReAct step, then as a JSON tool call.
// Plain text is a final answer only when acceptPlain is set or the text
// carries a response-kind marker.
func parseReply(msg llm.Message, acceptPlain bool) (*Step, error) {
	if len(msg.ToolCalls) > 0 {
		return stepFromToolCall(msg.ToolCalls[0], msg.Content), nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil, &MalformedStepError{Raw: msg.Content, Reason: "empty reply"}
	}

	// Anything after a model-written Observation is hallucinated.
	if i := strings.Index(text, observationLabel); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}

	actionLoc := actionRe.FindStringSubmatchIndex(text)
	finalIdx := strings.Index(text, finalAnswerPrefix)

	if finalIdx >= 0 && (actionLoc == nil || finalIdx < actionLoc[0]) {
		final := strings.TrimSpace(text[finalIdx+len(finalAnswerPrefix):])
		if final == "" {
			return nil, &MalformedStepError{Raw: msg.Content, Reason: "empty final answer"}
		}
		return &Step{Thought: thought(text[:finalIdx]), Final: final, Raw: text}, nil
	}

	if actionLoc != nil {
		tool := cleanToolName(text[actionLoc[2]:actionLoc[3]])
		if tool == "" {
			return nil, &MalformedStepError{Raw: msg.Content, Reason: "empty action"}
		}
		var input string
		if m := actionInputRe.FindStringSubmatch(text[actionLoc[1]:]); m != nil {
			input = strings.TrimSpace(m[1])
		}
		return &Step{Thought: thought(text[:actionLoc[0]]), Tool: tool, Input: input, Raw: text}, nil
	}

	if calls := llm.ParseTextToolCalls(stripCodeFence(text)); len(calls) > 0 {
		step := stepFromToolCall(calls[0], "")
		step.Raw = text
		return step, nil
	}

	if acceptPlain || typeMarker.MatchString(text) {
		return &Step{Final: text, Raw: text}, nil
	}
	return nil, &MalformedStepError{Raw: msg.Content, Reason: "no action or final answer"}
}

func stepFromToolCall(tc llm.ToolCall, content string) *Step {
	var input any = tc.Function.Arguments
	if tc.Function.Arguments == nil {
		input = tc.Function.RawArguments
	}
	return &Step{
		Thought: thought(content),
		Tool:    cleanToolName(tc.Function.Name),
		Input:   input,
		CallID:  tc.ID,
		Raw:     content,
	}
}

func thought(s string) string {
	m := thoughtRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// cleanToolName strips the decoration models put around tool names,
// e.g. "`search_by_geo`" or "search_by_geo()".
func cleanToolName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`*\"'[] ")
	s = strings.TrimSuffix(s, "()")
	return strings.TrimSpace(s)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
