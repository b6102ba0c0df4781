package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq float64) []float32 {
	x := make([]float32, n)
	for ii := range x {
		x[ii] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(ii)/float64(rate)))
	}
	return x
}

func TestSameRateIsIdentity(t *testing.T) {
	x := sine(100, 8000, 440)
	y, err := Resample(x, 8000, 8000)
	require.NoError(t, err)
	require.Len(t, y, len(x))
	assert.Same(t, &x[0], &y[0])

	r := NewWithFilter(16000, 16000, 6, 0.99)
	assert.Same(t, &x[0], &r.Resample(x)[0])
}

func TestOutputLength(t *testing.T) {
	for _, tc := range []struct{ n, orig, new, want int }{
		{1000, 16000, 8000, 500},
		{1001, 16000, 8000, 501},
		{1000, 8000, 16000, 2000},
		{4410, 44100, 8000, 800},
		{0, 16000, 8000, 0},
	} {
		y, err := Resample(make([]float32, tc.n), tc.orig, tc.new)
		require.NoError(t, err)
		assert.Len(t, y, tc.want, "%d samples %d -> %d", tc.n, tc.orig, tc.new)
	}
}

func TestPreservesLowFrequencies(t *testing.T) {
	const n = 1600
	y, err := Resample(sine(n, 16000, 440), 16000, 8000)
	require.NoError(t, err)
	want := sine(n/2, 8000, 440)
	// Skip the edges, where the zero padding attenuates the signal.
	for ii := 50; ii < len(want)-50; ii++ {
		assert.InDelta(t, want[ii], y[ii], 0.02, "sample %d", ii)
	}

	dc := make([]float32, 800)
	for ii := range dc {
		dc[ii] = 0.25
	}
	up, err := Resample(dc, 8000, 16000)
	require.NoError(t, err)
	for ii := 100; ii < len(up)-100; ii++ {
		assert.InDelta(t, 0.25, up[ii], 0.01, "sample %d", ii)
	}
}

func TestInvalidRates(t *testing.T) {
	_, err := Resample([]float32{1}, 0, 8000)
	require.Error(t, err)
}
