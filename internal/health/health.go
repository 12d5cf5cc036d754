// Package health provides health checks for the engine's external dependencies.
package health

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnhealthy wraps every failed dependency check.
var ErrUnhealthy = errors.New("dependency unhealthy")

// Checker is anything that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Named pairs a checker with the name it is reported under.
type Named struct {
	Name    string
	Checker Checker
}

// Check runs c and wraps a failure with ErrUnhealthy and the dependency name.
func Check(ctx context.Context, name string, c Checker) error {
	if err := c.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, name, err)
	}
	return nil
}
