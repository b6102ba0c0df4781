// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package audio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// probeData is the subset of `ffprobe -show_streams` output used.
type probeData struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// probeSampleRate returns the sample rate of the first audio stream of the file.
func probeSampleRate(path string) (int, error) {
	data, err := ffmpeg.Probe(path)
	if err != nil {
		return 0, errors.Wrapf(ErrUnreadableAudio, "%q: ffprobe failed: %v", path, err)
	}
	var probe probeData
	if err = json.Unmarshal([]byte(data), &probe); err != nil {
		return 0, errors.Wrapf(ErrUnreadableAudio, "%q: parsing ffprobe output: %v", path, err)
	}
	for _, stream := range probe.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		rate, err := strconv.Atoi(stream.SampleRate)
		if err != nil || rate <= 0 {
			return 0, errors.Wrapf(ErrUnreadableAudio, "%q: invalid sample rate %q", path, stream.SampleRate)
		}
		return rate, nil
	}
	return 0, errors.Wrapf(ErrUnreadableAudio, "%q: no audio stream found", path)
}

// loadFFmpeg decodes the first channel of the file to 32-bit float samples at its native rate.
func loadFFmpeg(path string) (Waveform, error) {
	rate, err := probeSampleRate(path)
	if err != nil {
		return Waveform{}, err
	}
	buf := bytes.NewBuffer(nil)
	err = ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{
			"f":      "f32le",
			"acodec": "pcm_f32le",
			"af":     "pan=mono|c0=c0",
		}).
		WithOutput(buf).
		Silent(true).
		Run()
	if err != nil {
		return Waveform{}, errors.Wrapf(ErrUnreadableAudio, "%q: ffmpeg decoding failed: %v", path, err)
	}
	return Waveform{Samples: decodeF32LE(buf.Bytes()), SampleRate: rate}, nil
}

func decodeF32LE(raw []byte) []float32 {
	samples := make([]float32, len(raw)/4)
	for ii := range samples {
		samples[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[ii*4:]))
	}
	return samples
}
