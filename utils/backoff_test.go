package utils

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffDoublesToCeiling(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 30*time.Second)

	var last time.Duration
	for i := 0; i < 12; i++ {
		last = b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, last)
	}
	assert.InDelta(t, float64(30*time.Second), float64(last), float64(3*time.Second))

	b.Reset()
	first := b.NextBackOff()
	assert.InDelta(t, float64(time.Second), float64(first), float64(100*time.Millisecond))
}
