package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEMA_FirstObservationSeeds(t *testing.T) {
	t.Parallel()

	ema := NewEMA(0.3)
	assert.False(t, ema.Initialized())
	assert.InDelta(t, 0, ema.Value(), 0.0001)

	got := ema.Update(10.0)
	assert.True(t, ema.Initialized())
	assert.InDelta(t, 10.0, got, 0.0001)
	assert.InDelta(t, 10.0, ema.Value(), 0.0001)
}

func TestEMA_Smoothing(t *testing.T) {
	t.Parallel()

	ema := NewEMA(0.3)
	ema.Update(10.0)

	// 0.3*20 + 0.7*10 = 13.
	got := ema.Update(20.0)
	assert.InDelta(t, 13.0, got, 0.0001)
}

func TestEMA_AlphaOneTracksExactly(t *testing.T) {
	t.Parallel()

	ema := NewEMA(1.0)
	ema.Update(10.0)
	assert.InDelta(t, 20.0, ema.Update(20.0), 0.0001)
}

func TestEMA_ConvergesOnConstantStream(t *testing.T) {
	t.Parallel()

	ema := NewEMA(0.3)
	for range 100 {
		ema.Update(50.0)
	}

	assert.InDelta(t, 50.0, ema.Value(), 0.0001)
}

func TestNewEMAFromSpan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		span  int
		alpha float64
	}{
		{name: "span_one_tracks_exactly", span: 1, alpha: 1.0},
		{name: "span_four", span: 4, alpha: 0.4},
		{name: "span_nine", span: 9, alpha: 0.2},
		{name: "span_below_one_clamps", span: 0, alpha: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ema := NewEMAFromSpan(tt.span)
			assert.InDelta(t, tt.alpha, ema.alpha, 0.0001)
		})
	}
}
