// Package breaker wraps backend calls in circuit breakers so a dead
// dependency fails fast instead of eating the reasoning loop's budget.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nugget/placefinder/internal/metrics"
)

// Config controls when a breaker trips and how it recovers.
type Config struct {
	MaxRequests      uint32        // trial requests allowed while half-open
	Interval         time.Duration // closed-state count reset period
	Timeout          time.Duration // open-state duration before half-open
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

// Breaker is a named circuit breaker.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New creates a breaker. State changes are logged and exported.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	threshold := cfg.FailureThreshold

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: IsCanceled,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)

	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the breaker state as a string ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpenError reports whether err came from a breaker rejecting the call.
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsCanceled reports whether err is the caller giving up rather than the
// backend failing. A cancelled turn or an expired turn budget must not
// trip a breaker shared by every user.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn through the breaker. A nil breaker runs fn directly.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
