package prompts

// Response-kind markers the reasoner puts at the start of a final answer.
const (
	QuestionMarker       = "[TYPE: question]"
	RecommendationMarker = "[TYPE: recommendation]"
)

// FormatCorrection is injected once when the reasoner's reply could not be
// parsed as a tool call or a final answer.
const FormatCorrection = `ОШИБКА ФОРМАТА! Строго следуй формату:
Thought: твоя мысль
Action: название_инструмента
Action Input: JSON с параметрами

ИЛИ, если готов дать финальный ответ:
Thought: Теперь я знаю окончательный ответ
Final Answer: [TYPE: question|recommendation]
твой ответ

Повтори попытку с правильным форматом.`

// ParseFailureApology is shown when the reasoner still produced
// unparseable output after the correction.
const ParseFailureApology = "Извините, я не смог разобраться с запросом. Попробуйте сформулировать его иначе."

// IterationLimitText is the final text when the step or time budget ran out
// before the reasoner answered.
const IterationLimitText = "Я не успел до конца обработать запрос. Попробуйте уточнить, что вы ищете."

// DegradedResponse is the user-facing text for any unexpected failure.
const DegradedResponse = "Извините, произошла техническая ошибка. Пожалуйста, попробуйте снова через несколько секунд."
