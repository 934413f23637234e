// Package prompts contains the LLM prompt templates used by the
// recommendation agent.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates are interpolated with the tool list, the tag and district catalogs,
// and recent conversation history, and can be validated by tests.
//
// Convention: each prompt category gets its own file (system.go, agent.go,
// history.go) with an exported function or constant that returns the fully
// interpolated text.
package prompts
