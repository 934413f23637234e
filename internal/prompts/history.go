package prompts

import (
	"fmt"
	"strings"
)

// HistoryTurn is one prior message shown as conversation context.
type HistoryTurn struct {
	FromUser bool
	Content  string
}

// QuestionWithHistory prefixes the current message with the most recent
// maxTurns turns. With no history the message is returned unchanged.
func QuestionWithHistory(message string, history []HistoryTurn, maxTurns int) string {
	if len(history) == 0 || maxTurns <= 0 {
		return message
	}
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	var sb strings.Builder
	sb.WriteString("Контекст предыдущего диалога:\n")
	for _, t := range history {
		role := "Ассистент"
		if t.FromUser {
			role = "Пользователь"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, t.Content)
	}
	fmt.Fprintf(&sb, "\nТекущий запрос: %s", message)
	return sb.String()
}
