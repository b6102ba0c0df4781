package fbank

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n, rate int, freq float64) []float32 {
	x := make([]float32, n)
	for ii := range x {
		x[ii] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(ii)/float64(rate)))
	}
	return x
}

func TestFrameGeometry(t *testing.T) {
	opts := DefaultOptions(8000, 24)
	assert.Equal(t, 200, opts.WindowSize())
	assert.Equal(t, 80, opts.WindowShift())
	assert.Equal(t, 256, opts.PaddedWindowSize())
	assert.Equal(t, 0, opts.NumFrames(199))
	assert.Equal(t, 1, opts.NumFrames(200))
	assert.Equal(t, 1, opts.NumFrames(279))
	assert.Equal(t, 2, opts.NumFrames(280))
	assert.Equal(t, 10, opts.NumFrames(200+80*9))

	opts16k := DefaultOptions(16000, 80)
	assert.Equal(t, 400, opts16k.WindowSize())
	assert.Equal(t, 512, opts16k.PaddedWindowSize())
}

func TestCompute(t *testing.T) {
	e, err := New(DefaultOptions(8000, 24))
	require.NoError(t, err)

	m := e.Compute(make([]float32, 100))
	assert.Equal(t, 0, m.Rows)
	assert.Equal(t, 24, m.Cols)

	silence := e.Compute(make([]float32, 8000))
	require.Equal(t, 98, silence.Rows)
	for _, v := range silence.Data {
		assert.InDelta(t, math.Log(LogFloor), v, 1e-4)
	}

	const freq = 1000.0
	m = e.Compute(tone(8000, 8000, freq))
	require.Equal(t, 98, m.Rows)
	require.NoError(t, m.Check())

	// Expected bin: the one whose center is closest to the tone frequency.
	melLow, melHigh := MelScale(20), MelScale(4000)
	delta := (melHigh - melLow) / 25
	wantBin, bestDist := 0, math.Inf(1)
	for bin := range 24 {
		if dist := math.Abs(melLow + float64(bin+1)*delta - MelScale(freq)); dist < bestDist {
			wantBin, bestDist = bin, dist
		}
	}
	for f := range m.Rows {
		row := m.Row(f)
		argMax := 0
		for bin, v := range row {
			if v > row[argMax] {
				argMax = bin
			}
		}
		assert.InDelta(t, wantBin, argMax, 1, "frame %d", f)
	}
}

func TestComputeConcurrent(t *testing.T) {
	e, err := New(DefaultOptions(16000, 40))
	require.NoError(t, err)
	x := tone(16000, 16000, 440)
	want := e.Compute(x)

	var wg sync.WaitGroup
	results := make([][]float32, 8)
	for ii := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[ii] = e.Compute(x).Data
		}()
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want.Data, got)
	}
}

func TestValidate(t *testing.T) {
	opts := DefaultOptions(8000, 24)
	require.NoError(t, opts.Validate())

	bad := opts
	bad.SampleRate = 0
	assert.Error(t, bad.Validate())

	bad = opts
	bad.NumMelBins = 1
	assert.Error(t, bad.Validate())

	bad = opts
	bad.LowFreq = 5000
	assert.Error(t, bad.Validate())

	bad = opts
	bad.Window = "triangle"
	_, err := New(bad)
	assert.Error(t, err)
}
