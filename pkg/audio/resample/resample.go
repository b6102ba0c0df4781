// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resample converts waveforms between sample rates with a band-limited
// windowed-sinc (Hann window) interpolation filter.
//
// The filter matches the usual "sinc_interp_hann" resampler found in audio toolkits: rates are
// reduced by their greatest common divisor, the cutoff is `rolloff * min(orig, new) / 2` and the
// kernel extends LowpassFilterWidth zero-crossings on each side.
package resample

import (
	"math"
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultLowpassFilterWidth is the number of zero-crossings of the sinc kept on each side.
	DefaultLowpassFilterWidth = 6

	// DefaultRolloff is the fraction of the Nyquist frequency used as cutoff, to reduce aliasing.
	DefaultRolloff = 0.99
)

// Resampler converts from one sample rate to another. It is safe for concurrent use.
type Resampler struct {
	origFreq, newFreq int // Reduced by their GCD.
	width               int
	kernels             [][]float64 // [newFreq][2*width+origFreq]
}

var (
	cacheMu sync.Mutex
	cache   = make(map[[2]int]*Resampler)
)

// New creates a Resampler with the default filter parameters.
// Resamplers are cached per pair of rates.
func New(origRate, newRate int) (*Resampler, error) {
	if origRate <= 0 || newRate <= 0 {
		return nil, errors.Errorf("invalid sample rates %d -> %d", origRate, newRate)
	}
	key := [2]int{origRate, newRate}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if r, found := cache[key]; found {
		return r, nil
	}
	r := NewWithFilter(origRate, newRate, DefaultLowpassFilterWidth, DefaultRolloff)
	cache[key] = r
	return r, nil
}

// NewWithFilter creates a Resampler with the given filter parameters. Rates must be positive.
func NewWithFilter(origRate, newRate, lowpassFilterWidth int, rolloff float64) *Resampler {
	g := gcd(origRate, newRate)
	r := &Resampler{origFreq: origRate / g, newFreq: newRate / g}
	if r.origFreq == r.newFreq {
		return r
	}

	baseFreq := float64(min(r.origFreq, r.newFreq)) * rolloff
	lpw := float64(lowpassFilterWidth)
	r.width = int(math.Ceil(lpw * float64(r.origFreq) / baseFreq))
	kernelLen := 2*r.width + r.origFreq
	scale := baseFreq / float64(r.origFreq)
	r.kernels = make([][]float64, r.newFreq)
	for phase := range r.newFreq {
		kernel := make([]float64, kernelLen)
		for k := range kernelLen {
			idx := float64(k-r.width) / float64(r.origFreq)
			t := (idx - float64(phase)/float64(r.newFreq)) * baseFreq
			t = max(-lpw, min(lpw, t))
			window := math.Cos(t * math.Pi / lpw / 2)
			window *= window
			t *= math.Pi
			sinc := 1.0
			if t != 0 {
				sinc = math.Sin(t) / t
			}
			kernel[k] = sinc * window * scale
		}
		r.kernels[phase] = kernel
	}
	return r
}

// OutputLength returns the number of samples produced for an input of n samples: ceil(n * new / orig).
func (r *Resampler) OutputLength(n int) int {
	return (n*r.newFreq + r.origFreq - 1) / r.origFreq
}

// Resample the signal. If both rates are the same, the input slice itself is returned.
func (r *Resampler) Resample(x []float32) []float32 {
	if r.origFreq == r.newFreq {
		return x
	}
	n := len(x)
	outLen := r.OutputLength(n)
	out := make([]float32, outLen)
	kernelLen := len(r.kernels[0])
	// Input is conceptually zero-padded with width samples on the left.
	for frame := 0; frame*r.newFreq < outLen; frame++ {
		start := frame*r.origFreq - r.width
		for phase, kernel := range r.kernels {
			outIdx := frame*r.newFreq + phase
			if outIdx >= outLen {
				break
			}
			var acc float64
			lo := max(0, -start)
			hi := min(kernelLen, n-start)
			for k := lo; k < hi; k++ {
				acc += float64(x[start+k]) * kernel[k]
			}
			out[outIdx] = float32(acc)
		}
	}
	return out
}

// Resample converts x from origRate to newRate using a cached Resampler.
// It returns x unchanged if the rates are equal.
func Resample(x []float32, origRate, newRate int) ([]float32, error) {
	if origRate == newRate {
		return x, nil
	}
	r, err := New(origRate, newRate)
	if err != nil {
		return nil, err
	}
	return r.Resample(x), nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
