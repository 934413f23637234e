// Package agent implements the recommendation reasoning loop.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/placefinder/internal/retrieval"
)

// Message represents a prior chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request is one conversational turn.
type Request struct {
	Message   string
	UserID    string
	History   []Message
	Latitude  *float64
	Longitude *float64

	// RequestID tags the turn's log lines. Generated when empty.
	RequestID string
}

// ResponseType tells the client whether the answer asks for more
// detail or recommends places.
type ResponseType string

const (
	ResponseQuestion       ResponseType = "question"
	ResponseRecommendation ResponseType = "recommendation"
)

// Response is the outcome of a turn.
type Response struct {
	Text         string                `json:"text"`
	Places       []retrieval.Candidate `json:"places"`
	ResponseType ResponseType          `json:"response_type"`
}

// Step is one reasoner decision: a tool call when Tool is set, otherwise
// a final answer.
type Step struct {
	Thought string
	Tool    string
	// Input is a pre-parsed argument map or raw text.
	Input  any
	CallID string
	Final  string
	// Raw is the reasoner's text for this step, replayed in the transcript.
	Raw string
}

// IsFinal reports whether the step ends the turn.
func (s *Step) IsFinal() bool {
	return s.Tool == ""
}

// Entry is one completed THINK/ACT/OBSERVE cycle, or a format correction.
type Entry struct {
	Step        Step
	Observation string
	// Result is the tool's structured return value; nil on error.
	Result any
	Err    error
	// Correction marks an entry whose step could not be parsed;
	// Observation then holds the corrective instruction.
	Correction bool
}

// Transcript is the running Thought/Action/Observation history of a turn.
type Transcript struct {
	Question string
	Entries  []Entry
}

// Reasoner decides the next step from the transcript.
type Reasoner interface {
	Think(ctx context.Context, t *Transcript) (*Step, error)
}

// ErrMalformedStep marks reasoner output that is neither a tool call
// nor a final answer.
var ErrMalformedStep = errors.New("malformed reasoner step")

// MalformedStepError carries the unparseable output.
type MalformedStepError struct {
	Raw    string
	Reason string
}

func (e *MalformedStepError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMalformedStep, e.Reason)
}

// Is matches ErrMalformedStep.
func (e *MalformedStepError) Is(target error) bool {
	return target == ErrMalformedStep
}
