package execution

import (
	"math"
	"time"
)

// Backoff computes the delay before a retry
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the attempt that follows failed attempt n.
// The raw delay is Base*2^(n-1) capped at Max, then stretched by up to
// Jitter*r where r is drawn from [0,1). The result is never below the raw
// delay, so every wait is at least Base.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r = min(max(r, 0), 1)
		d += d * b.Jitter * r
	}
	return time.Duration(d)
}
