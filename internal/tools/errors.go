// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool execution.
package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The reasoner sees it as an observation
// and can pick another tool.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidInput is returned when the reasoner's arguments cannot be
// decoded or fail validation. It is fed back as an observation so the
// reasoner can correct itself.
type ErrInvalidInput struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid input for tool %q: %v", e.ToolName, e.Err)
}

// Unwrap returns the underlying decode or validation error.
func (e *ErrInvalidInput) Unwrap() error {
	return e.Err
}
