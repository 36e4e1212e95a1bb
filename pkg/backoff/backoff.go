// Package backoff computes retry delays.
package backoff

import (
	"math"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config bounds the computed delays. Zero values use defaults.
type Config struct {
	Initial time.Duration
	Max     time.Duration
}

// Exponential returns the delay before the given retry attempt, doubling
// per attempt and capped at Max. Attempt 1 yields Initial. A nil config
// uses the defaults.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, ceil := defaultInitial, defaultMax
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceil = cfg.Max
		}
	}
	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(ceil) {
		return ceil
	}
	return time.Duration(d)
}
