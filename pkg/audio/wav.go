// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package audio

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// errUnsupportedWAV marks valid WAV files whose encoding (e.g. IEEE float) is left to ffmpeg.
var errUnsupportedWAV = errors.New("unsupported WAV encoding")

const wavFormatPCM = 1

func loadWAV(path string) (Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: not a valid WAV file", path)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return Waveform{}, errors.Wrapf(errUnsupportedWAV, "format tag %d", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: %v", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: missing format information", path)
	}
	return Waveform{
		Samples:    firstChannel(buf, int(dec.BitDepth)),
		SampleRate: buf.Format.SampleRate,
	}, nil
}

// firstChannel extracts channel 0 of an interleaved PCM buffer, scaled to [-1, 1].
func firstChannel(buf *audio.IntBuffer, bitDepth int) []float32 {
	numChannels := buf.Format.NumChannels
	n := len(buf.Data) / numChannels
	samples := make([]float32, n)
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		for ii := range n {
			samples[ii] = float32(buf.Data[ii*numChannels]-128) / 128
		}
		return samples
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for ii := range n {
		samples[ii] = float32(buf.Data[ii*numChannels]) / scale
	}
	return samples
}
