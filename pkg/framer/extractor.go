// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package framer

import (
	"github.com/gomlx/audiokws/pkg/audio"
	"github.com/gomlx/audiokws/pkg/audio/fbank"
	"github.com/gomlx/audiokws/pkg/audio/resample"
	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/features"
	"github.com/pkg/errors"
)

// Extractor converts one audio file to a mean-normalized [frames, channels] feature matrix.
//
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(path string) (features.Matrix, error)
}

// FbankExtractor loads audio files, resamples them to the configured rate, computes the log-mel
// filterbank and subtracts the per-channel mean over the whole utterance.
type FbankExtractor struct {
	sampleRate int
	fbank      *fbank.Extractor
}

var _ Extractor = (*FbankExtractor)(nil)

// NewFbankExtractor creates the extractor for the FFT configuration of cfg.
func NewFbankExtractor(cfg config.Config) (*FbankExtractor, error) {
	opts, err := cfg.FbankOptions()
	if err != nil {
		return nil, err
	}
	fb, err := fbank.New(opts)
	if err != nil {
		return nil, err
	}
	return &FbankExtractor{sampleRate: opts.SampleRate, fbank: fb}, nil
}

// Extract implements Extractor. Decoding failures wrap audio.ErrUnreadableAudio.
func (e *FbankExtractor) Extract(path string) (features.Matrix, error) {
	w, err := audio.Load(path)
	if err != nil {
		return features.Matrix{}, err
	}
	return e.FromWaveform(w)
}

// FromWaveform computes the normalized features of an already decoded waveform.
func (e *FbankExtractor) FromWaveform(w audio.Waveform) (features.Matrix, error) {
	samples, err := resample.Resample(w.Samples, w.SampleRate, e.sampleRate)
	if err != nil {
		return features.Matrix{}, errors.WithMessage(err, "resampling")
	}
	m := e.fbank.Compute(samples)
	m.SubtractColumnMean()
	return m, nil
}
