// Package backoff defines retry policies and the delay shapes they use.
//
// A Policy is immutable once built. Sequences handed to the retry loop are
// created fresh per loop with Policy.Backoff, so a policy can be shared by
// every caller of a service.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Shape is how delays grow between attempts.
type Shape string

const (
	ShapeNone        Shape = "none" // constant base delay
	ShapeLinear      Shape = "linear"
	ShapeExponential Shape = "exponential"
	ShapeFibonacci   Shape = "fibonacci"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	Shape      Shape         `yaml:"shape"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     bool          `yaml:"jitter"`
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	switch p.Shape {
	case ShapeNone, ShapeLinear, ShapeExponential, ShapeFibonacci:
	default:
		return fmt.Errorf("unknown backoff shape %q", p.Shape)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base delay %v exceeds max delay %v", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Delay returns the un-jittered delay before retry number attempt (1-indexed):
// min(base * growth(attempt), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var factor float64
	switch p.Shape {
	case ShapeLinear:
		factor = float64(attempt)
	case ShapeExponential:
		factor = math.Pow(2, float64(attempt-1))
	case ShapeFibonacci:
		factor = float64(fibonacci(attempt))
	default:
		factor = 1
	}

	delay := float64(p.BaseDelay) * factor
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// JitteredDelay applies the policy's jitter (if enabled) to Delay(attempt).
func (p Policy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if !p.Jitter {
		return d
	}
	return Jitter(d)
}

// Backoff returns a fresh go-retry sequence that yields MaxRetries delays.
func (p Policy) Backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.JitteredDelay(attempt), false
	})
	return retry.WithMaxRetries(uint64(p.MaxRetries), b)
}

// Jitter scales d by a uniform factor in [0.5, 1.0].
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

func fibonacci(n int) int {
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
		if b < 0 {
			return math.MaxInt
		}
	}
	return b
}
