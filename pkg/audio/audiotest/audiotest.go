// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package audiotest writes synthetic WAV files for tests.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

// Tone returns numSamples of a sine wave with the given frequency and amplitude in [0, 1].
func Tone(numSamples, sampleRate int, freq, amplitude float64) []float32 {
	samples := make([]float32, numSamples)
	for ii := range samples {
		samples[ii] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(ii)/float64(sampleRate)))
	}
	return samples
}

// WriteWAV writes a 16-bit PCM WAV file to path, creating directories as needed.
// Each channel in channels must have the same length.
func WriteWAV(t testing.TB, path string, sampleRate int, channels ...[]float32) {
	t.Helper()
	require.NotEmpty(t, channels)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	numChannels := len(channels)
	n := len(channels[0])
	data := make([]int, n*numChannels)
	for ch, samples := range channels {
		require.Len(t, samples, n)
		for ii, v := range samples {
			data[ii*numChannels+ch] = int(math.Round(float64(v) * 32767))
		}
	}
	enc := wav.NewEncoder(f, sampleRate, 16, numChannels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

// WriteTone writes a mono WAV with a 440Hz tone of numSamples.
func WriteTone(t testing.TB, path string, sampleRate, numSamples int) {
	t.Helper()
	WriteWAV(t, path, sampleRate, Tone(numSamples, sampleRate, 440, 0.5))
}
