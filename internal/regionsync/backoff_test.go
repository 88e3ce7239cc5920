package regionsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Doubles(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, time.Minute, b.Delay(7))
	assert.Equal(t, time.Minute, b.Delay(1000))
}

func TestBackoff_NonDecreasingWithJitter(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 1.5}
	for run := 0; run < 200; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, b.Max)
			prev = d
		}
	}
}
