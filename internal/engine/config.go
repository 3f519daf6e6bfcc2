package engine

import (
	"errors"
	"fmt"
	"time"
)

// Default loop bounds applied by Ensure when the settings file leaves them
// unset.
const (
	DefaultMaxIterations  = 10
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxToolRetries = 2
)

// Config bounds a single run. It is validated once and never mutated by the
// engine.
type Config struct {
	// MaxIterations caps the number of model invocations per run.
	MaxIterations int
	// Timeout caps total wall-clock time per run.
	Timeout time.Duration
	// MaxToolRetries caps retries per tool-call lineage. Zero means a tool
	// gets exactly one attempt.
	MaxToolRetries int
	// AllowSampling lets MCP servers issue sampling requests back through
	// the client connection.
	AllowSampling bool
}

// Validate reports whether the configuration bounds are usable.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxToolRetries < 0 {
		return fmt.Errorf("max tool retries must not be negative, got %d", c.MaxToolRetries)
	}
	return nil
}

// ErrInvalidConfig wraps construction-time configuration failures.
var ErrInvalidConfig = errors.New("invalid engine configuration")
