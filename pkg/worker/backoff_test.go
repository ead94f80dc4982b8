package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	ceiling := time.Hour

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{11, 2048 * time.Second},
		{12, time.Hour},
		{200, time.Hour},
		{-1, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, ceiling, tt.retryCount), "retry_count=%d", tt.retryCount)
	}
}

func TestBackoffIsMonotonicAndBounded(t *testing.T) {
	base := 60 * time.Second
	ceiling := time.Hour

	prev := time.Duration(0)
	for k := 0; k < 100; k++ {
		d := Backoff(base, ceiling, k)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		assert.Positive(t, d)
		prev = d
	}
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Zero(t, Backoff(0, time.Hour, 3))
}
