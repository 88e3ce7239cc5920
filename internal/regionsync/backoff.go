package regionsync

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at Max, plus up
// to Jitter (a fraction of the delay, at most 1) added on top and clamped to
// Max. With Jitter <= 1 the delays never decrease as attempts grow.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	jitter := min(max(b.Jitter, 0), 1)
	if jitter > 0 {
		d += time.Duration(rand.Float64() * jitter * float64(d))
		if d > b.Max {
			d = b.Max
		}
	}
	return d
}
