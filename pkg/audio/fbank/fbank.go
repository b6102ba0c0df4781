// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fbank computes Kaldi-compatible log-mel filterbank features.
//
// The defaults reproduce Kaldi's `compute-fbank-feats` (and the equivalent "kaldi compliance"
// fbank of common audio toolkits) with dithering disabled: frames are extracted with
// "snip edges", the DC offset is removed, a 0.97 pre-emphasis and the Povey window are
// applied, the FFT size is rounded up to a power of two and the power spectrum is
// projected on triangular mel filters, followed by a floored natural logarithm.
package fbank

import (
	"math"
	"sync"

	"github.com/gomlx/audiokws/pkg/features"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
)

// WindowType of the analysis window.
type WindowType string

const (
	WindowPovey       WindowType = "povey"
	WindowHanning     WindowType = "hanning"
	WindowHamming     WindowType = "hamming"
	WindowRectangular WindowType = "rectangular"
	WindowBlackman    WindowType = "blackman"
)

// LogFloor is the smallest energy before taking the log: the float32 machine epsilon.
const LogFloor = 1.1920928955078125e-07

// Options for the filterbank. Use DefaultOptions and change what is needed.
type Options struct {
	SampleRate    int
	FrameLengthMs float64
	FrameShiftMs  float64
	NumMelBins    int

	// LowFreq is the low cutoff of the mel bins in Hz.
	LowFreq float64

	// HighFreq is the high cutoff in Hz. If <= 0, it's an offset from the Nyquist frequency.
	HighFreq float64

	PreemphasisCoeff  float64
	RemoveDCOffset    bool
	Window            WindowType
	BlackmanCoeff     float64
	RoundToPowerOfTwo bool

	// UsePower selects the power spectrum, otherwise the magnitude is used.
	UsePower bool
}

// DefaultOptions returns Kaldi's defaults for the given sample rate and number of mel bins.
func DefaultOptions(sampleRate, numMelBins int) Options {
	return Options{
		SampleRate:        sampleRate,
		FrameLengthMs:     25,
		FrameShiftMs:      10,
		NumMelBins:        numMelBins,
		LowFreq:           20,
		HighFreq:          0,
		PreemphasisCoeff:  0.97,
		RemoveDCOffset:    true,
		Window:            WindowPovey,
		BlackmanCoeff:     0.42,
		RoundToPowerOfTwo: true,
		UsePower:          true,
	}
}

// WindowSize is the number of samples per frame.
func (o Options) WindowSize() int {
	return int(float64(o.SampleRate) * o.FrameLengthMs * 0.001)
}

// WindowShift is the number of samples between the start of consecutive frames.
func (o Options) WindowShift() int {
	return int(float64(o.SampleRate) * o.FrameShiftMs * 0.001)
}

// PaddedWindowSize is the FFT size.
func (o Options) PaddedWindowSize() int {
	size := o.WindowSize()
	if !o.RoundToPowerOfTwo {
		return size
	}
	padded := 1
	for padded < size {
		padded <<= 1
	}
	return padded
}

// NumFrames returns the number of frames produced for numSamples samples.
func (o Options) NumFrames(numSamples int) int {
	size, shift := o.WindowSize(), o.WindowShift()
	if numSamples < size {
		return 0
	}
	return 1 + (numSamples-size)/shift
}

// Validate the options.
func (o Options) Validate() error {
	if o.SampleRate <= 0 {
		return errors.Errorf("fbank: invalid sample rate %d", o.SampleRate)
	}
	if o.NumMelBins < 3 {
		return errors.Errorf("fbank: number of mel bins must be >= 3, got %d", o.NumMelBins)
	}
	if o.WindowSize() < 2 {
		return errors.Errorf("fbank: frame length %gms is too short for sample rate %d", o.FrameLengthMs, o.SampleRate)
	}
	if o.WindowShift() < 1 {
		return errors.Errorf("fbank: frame shift %gms is too short for sample rate %d", o.FrameShiftMs, o.SampleRate)
	}
	nyquist := 0.5 * float64(o.SampleRate)
	high := o.HighFreq
	if high <= 0 {
		high += nyquist
	}
	if o.LowFreq < 0 || o.LowFreq >= nyquist || high <= 0 || high > nyquist || high <= o.LowFreq {
		return errors.Errorf("fbank: invalid frequency range [%g, %g] for Nyquist frequency %g", o.LowFreq, high, nyquist)
	}
	switch o.Window {
	case WindowPovey, WindowHanning, WindowHamming, WindowRectangular, WindowBlackman:
	default:
		return errors.Errorf("fbank: unknown window type %q", o.Window)
	}
	return nil
}

// melBin is a triangular filter, stored sparsely from its first non-zero FFT bin.
type melBin struct {
	offset  int
	weights []float64
}

// Extractor computes filterbank features. It is safe for concurrent use.
type Extractor struct {
	opts     Options
	window   []float64
	melBins  []melBin
	fftPlans sync.Pool
}

// New creates an Extractor for the given options.
func New(opts Options) (*Extractor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		opts:    opts,
		window:  makeWindow(opts.Window, opts.WindowSize(), opts.BlackmanCoeff),
		melBins: makeMelBins(opts),
	}
	padded := opts.PaddedWindowSize()
	e.fftPlans.New = func() any { return fourier.NewFFT(padded) }
	return e, nil
}

// Options used by the extractor.
func (e *Extractor) Options() Options { return e.opts }

// Compute the log-mel filterbank of the waveform, which must be sampled at Options.SampleRate.
// The result has shape [NumFrames(len(samples)), NumMelBins].
func (e *Extractor) Compute(samples []float32) features.Matrix {
	opts := e.opts
	size, shift, padded := opts.WindowSize(), opts.WindowShift(), opts.PaddedWindowSize()
	numFrames := opts.NumFrames(len(samples))
	out := features.New(numFrames, opts.NumMelBins)
	if numFrames == 0 {
		return out
	}

	fft := e.fftPlans.Get().(*fourier.FFT)
	defer e.fftPlans.Put(fft)
	frame := make([]float64, padded)
	coeffs := make([]complex128, padded/2+1)
	spectrum := make([]float64, padded/2+1)
	for f := range numFrames {
		start := f * shift
		for ii := range size {
			frame[ii] = float64(samples[start+ii])
		}
		clear(frame[size:])
		e.processFrame(frame[:size])
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			power := real(c)*real(c) + imag(c)*imag(c)
			if opts.UsePower {
				spectrum[k] = power
			} else {
				spectrum[k] = math.Sqrt(power)
			}
		}
		row := out.Row(f)
		for m, bin := range e.melBins {
			var energy float64
			for ii, w := range bin.weights {
				energy += w * spectrum[bin.offset+ii]
			}
			row[m] = float32(math.Log(max(energy, LogFloor)))
		}
	}
	return out
}

// processFrame applies, in place, DC removal, pre-emphasis and windowing.
func (e *Extractor) processFrame(frame []float64) {
	if e.opts.RemoveDCOffset {
		var mean float64
		for _, v := range frame {
			mean += v
		}
		mean /= float64(len(frame))
		for ii := range frame {
			frame[ii] -= mean
		}
	}
	if coeff := e.opts.PreemphasisCoeff; coeff != 0 {
		for ii := len(frame) - 1; ii > 0; ii-- {
			frame[ii] -= coeff * frame[ii-1]
		}
		frame[0] -= coeff * frame[0]
	}
	for ii := range frame {
		frame[ii] *= e.window[ii]
	}
}

func makeWindow(windowType WindowType, size int, blackmanCoeff float64) []float64 {
	w := make([]float64, size)
	a := 2 * math.Pi / float64(size-1)
	for ii := range w {
		x := float64(ii)
		switch windowType {
		case WindowPovey:
			w[ii] = math.Pow(0.5-0.5*math.Cos(a*x), 0.85)
		case WindowHanning:
			w[ii] = 0.5 - 0.5*math.Cos(a*x)
		case WindowHamming:
			w[ii] = 0.54 - 0.46*math.Cos(a*x)
		case WindowBlackman:
			w[ii] = blackmanCoeff - 0.5*math.Cos(a*x) + (0.5-blackmanCoeff)*math.Cos(2*a*x)
		default:
			w[ii] = 1
		}
	}
	return w
}

// MelScale converts a frequency in Hz to the mel scale.
func MelScale(freq float64) float64 {
	return 1127 * math.Log(1+freq/700)
}

// makeMelBins creates the triangular filters over the padded/2 FFT bins; the Nyquist bin gets no weight.
func makeMelBins(opts Options) []melBin {
	padded := opts.PaddedWindowSize()
	numFFTBins := padded / 2
	nyquist := 0.5 * float64(opts.SampleRate)
	high := opts.HighFreq
	if high <= 0 {
		high += nyquist
	}
	binWidth := float64(opts.SampleRate) / float64(padded)
	melLow, melHigh := MelScale(opts.LowFreq), MelScale(high)
	delta := (melHigh - melLow) / float64(opts.NumMelBins+1)

	bins := make([]melBin, opts.NumMelBins)
	for m := range bins {
		left := melLow + float64(m)*delta
		center := melLow + float64(m+1)*delta
		right := melLow + float64(m+2)*delta
		first, last := -1, -1
		weights := make([]float64, numFFTBins)
		for k := range numFFTBins {
			mel := MelScale(binWidth * float64(k))
			up := (mel - left) / (center - left)
			down := (right - mel) / (right - center)
			if w := max(0, min(up, down)); w > 0 {
				weights[k] = w
				if first < 0 {
					first = k
				}
				last = k
			}
		}
		if first < 0 {
			bins[m] = melBin{}
			continue
		}
		bins[m] = melBin{offset: first, weights: weights[first : last+1]}
	}
	return bins
}
