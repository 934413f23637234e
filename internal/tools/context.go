package tools

import "context"

type contextKey string

const scopeKey contextKey = "scope"

// Scope binds a turn's caller to the tools. The reasoner never passes a
// user id; tools read it from here.
type Scope struct {
	UserID    string
	Latitude  *float64
	Longitude *float64
}

// HasCoordinates reports whether the caller supplied both coordinates.
func (s Scope) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// WithScope adds the turn scope to the context.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey, s)
}

// ScopeFromContext extracts the turn scope. Returns the zero Scope if
// not set.
func ScopeFromContext(ctx context.Context) Scope {
	if s, ok := ctx.Value(scopeKey).(Scope); ok {
		return s
	}
	return Scope{}
}
