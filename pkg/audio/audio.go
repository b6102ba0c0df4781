// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package audio loads waveforms from audio files.
//
// WAV files are decoded natively. Any other container is decoded by the ffmpeg executable, which
// must then be in the PATH.
//
// Samples are normalized to [-1, 1] and only the first channel is kept.
package audio

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnreadableAudio is returned (wrapped) when a file cannot be decoded.
var ErrUnreadableAudio = errors.New("unreadable audio")

// Waveform is a mono signal.
type Waveform struct {
	// Samples normalized to [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Load decodes the audio file at path.
//
// Errors wrap ErrUnreadableAudio, test with errors.Is.
func Load(path string) (Waveform, error) {
	if _, err := os.Stat(path); err != nil {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: %v", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".wav" || ext == ".wave" {
		w, err := loadWAV(path)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, errUnsupportedWAV) {
			return Waveform{}, err
		}
		klog.V(1).Infof("%q: %v, falling back to ffmpeg", path, err)
	}
	return loadFFmpeg(path)
}
