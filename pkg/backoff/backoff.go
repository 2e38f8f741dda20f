package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Exponential returns base*factor^attempt, capped at max. attempt is zero-based.
func Exponential(base time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Jitter spreads d uniformly over [d-frac*d, d+frac*d].
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	j := float64(d) * frac
	return time.Duration(float64(d) + (rand.Float64()*2-1)*j)
}

// ExponentialJitter is Exponential followed by a ±frac Jitter.
func ExponentialJitter(base time.Duration, factor float64, max time.Duration, attempt int, frac float64) time.Duration {
	return Jitter(Exponential(base, factor, max, attempt), frac)
}
