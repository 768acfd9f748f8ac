// Package backoff computes retry delays for failed delivery attempts.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Strategy string

const (
	Linear            Strategy = "linear"
	Exponential       Strategy = "exponential"
	ExponentialJitter Strategy = "exponential_jitter"
)

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return Linear, nil
	case "exponential", "exp":
		return Exponential, nil
	case "exponential_jitter", "exponential-jitter", "jitter":
		return ExponentialJitter, nil
	}
	return "", fmt.Errorf("unknown backoff strategy %q", s)
}

// Policy is selected per channel from configuration.
type Policy struct {
	Strategy   Strategy
	Base       time.Duration
	Multiplier float64
	Max        time.Duration // 0 disables the cap
	JitterPct  float64       // 0.0-1.0, exponential_jitter only

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before the next attempt after attempt failures.
// attempt is 1-based: the first failure asks for Delay(1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}

	var d float64
	switch p.Strategy {
	case Linear:
		d = float64(p.Base) * float64(attempt)
	case ExponentialJitter:
		d = p.exponential(attempt)
		j := 1 + (p.random()*2-1)*p.JitterPct
		if j < 0 {
			j = 0
		}
		d *= j
	default:
		d = p.exponential(attempt)
	}
	return p.clamp(d)
}

func (p Policy) exponential(attempt int) float64 {
	m := p.Multiplier
	if m < 1 {
		m = 2
	}
	return float64(p.Base) * math.Pow(m, float64(attempt-1))
}

func (p Policy) clamp(d float64) time.Duration {
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	// guard against float overflow on absurd attempt counts
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit
	if d >= float64(math.MaxInt64) || math.IsInf(d, 1) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) String() string {
	return fmt.Sprintf("%s(base=%s, mult=%.2f, max=%s, jitter=%.2f)", p.Strategy, p.Base, p.Multiplier, p.Max, p.JitterPct)
}
