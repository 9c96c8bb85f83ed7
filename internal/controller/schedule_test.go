package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeTimeLimit(t *testing.T) {
	tests := []struct {
		name      string
		refMillis int
		factor    int
		minSecs   int
		maxSecs   int
		want      time.Duration
	}{
		// 45 s author time × 10 = 450 s, floored to 30 s steps.
		{"rounds down", 45_500, 10, 120, 600, 450 * time.Second},
		{"already a multiple", 45_000, 10, 120, 600, 450 * time.Second},
		// 39 s × 10 = 390 s.
		{"floor not nearest", 39_999, 10, 120, 600, 390 * time.Second},
		{"clamped to max", 120_000, 10, 120, 600, 600 * time.Second},
		{"clamped to min", 5_000, 10, 120, 600, 120 * time.Second},
		// min that is not a multiple of 30 still floors afterwards.
		{"min then floor", 1_000, 10, 100, 600, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeTimeLimit(tt.refMillis, tt.factor, tt.minSecs, tt.maxSecs)
			assert.Equal(t, tt.want, got)
		})
	}
}
