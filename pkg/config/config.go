// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the explicit, validated configuration shared by the feature framer
// and the fine-tuning driver.
//
// A Config is a plain struct passed by value. Default returns the reference values, a Loader
// reads overrides from a YAML file and from KWS_* environment variables.
package config

import (
	"path/filepath"

	"github.com/gomlx/audiokws/pkg/audio/fbank"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// ErrMissingArgument is returned by commands when a required positional argument is missing.
var ErrMissingArgument = errors.New("missing argument")

// FFT configures the feature extraction.
type FFT struct {
	SampleRate    int     `yaml:"sample_rate" json:"sample_rate"`
	NMel          int     `yaml:"n_mel" json:"n_mel"`
	FrameLengthMs float64 `yaml:"frame_length_ms" json:"frame_length_ms"`
	FrameShiftMs  float64 `yaml:"frame_shift_ms" json:"frame_shift_ms"`

	// MaxFrames is the fixed number of frames of the framed corpus.
	MaxFrames int `yaml:"max_frames" json:"max_frames"`
}

// Pretrain describes the pretrained model to fine-tune.
type Pretrain struct {
	// Ckpt is the checkpoint directory. Empty means starting from random weights.
	Ckpt string `yaml:"ckpt" json:"ckpt"`

	// NumLabel is the number of classes of the pretrained head.
	NumLabel int `yaml:"num_label" json:"num_label"`
}

// Config for data preparation and fine-tuning.
type Config struct {
	FFT      FFT      `yaml:"fft" json:"fft"`
	Pretrain Pretrain `yaml:"pretrain" json:"pretrain"`

	BatchSize  int `yaml:"batch_size" json:"batch_size"`
	NumWorkers int `yaml:"num_workers" json:"num_workers"`

	// NumLabel is the number of classes of the new head.
	NumLabel    int     `yaml:"num_label" json:"num_label"`
	LR          float64 `yaml:"lr" json:"lr"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay"`
	LRPatience  int     `yaml:"lr_patience" json:"lr_patience"`
	LRFactor    float64 `yaml:"lr_factor" json:"lr_factor"`
	MaxEpoch    int     `yaml:"max_epoch" json:"max_epoch"`

	// Tr and CV are list files ("key path label" per line) for fine-tuning.
	Tr string `yaml:"tr" json:"tr"`
	CV string `yaml:"cv" json:"cv"`

	CkptDir  string `yaml:"ckpt_dir" json:"ckpt_dir"`
	CkptName string `yaml:"ckpt_name" json:"ckpt_name"`

	// DryRun limits the number of utterances read from each list.
	DryRun bool `yaml:"dry_run" json:"dry_run"`

	// SkipUnreadable drops files that fail to decode instead of aborting.
	SkipUnreadable bool `yaml:"skip_unreadable" json:"skip_unreadable"`
}

// Default returns the reference configuration: 8kHz audio, 24 mel bins, 25ms/10ms frames
// and 192 frames per utterance.
func Default() Config {
	return Config{
		FFT: FFT{
			SampleRate:    8000,
			NMel:          24,
			FrameLengthMs: 25,
			FrameShiftMs:  10,
			MaxFrames:     192,
		},
		Pretrain:    Pretrain{NumLabel: 4},
		BatchSize:   64,
		NumWorkers:  4,
		NumLabel:    4,
		LR:          1e-3,
		WeightDecay: 1e-5,
		LRPatience:  3,
		LRFactor:    0.85,
		MaxEpoch:    30,
		CkptDir:     "ckpt",
		CkptName:    "finetune",
	}
}

// Validate checks every field has a usable value.
func (c Config) Validate() error {
	if _, err := c.FbankOptions(); err != nil {
		return err
	}
	if c.FFT.MaxFrames <= 0 {
		return errors.Errorf("config: fft.max_frames must be > 0, got %d", c.FFT.MaxFrames)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("config: batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return errors.Errorf("config: num_workers must be >= 0, got %d", c.NumWorkers)
	}
	if c.NumLabel < 2 {
		return errors.Errorf("config: num_label must be >= 2, got %d", c.NumLabel)
	}
	if c.Pretrain.NumLabel < 1 {
		return errors.Errorf("config: pretrain.num_label must be >= 1, got %d", c.Pretrain.NumLabel)
	}
	if c.LR <= 0 {
		return errors.Errorf("config: lr must be > 0, got %g", c.LR)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("config: weight_decay must be >= 0, got %g", c.WeightDecay)
	}
	if c.LRPatience < 0 {
		return errors.Errorf("config: lr_patience must be >= 0, got %d", c.LRPatience)
	}
	if c.LRFactor <= 0 || c.LRFactor >= 1 {
		return errors.Errorf("config: lr_factor must be in (0, 1), got %g", c.LRFactor)
	}
	if c.MaxEpoch < 0 {
		return errors.Errorf("config: max_epoch must be >= 0, got %d", c.MaxEpoch)
	}
	return nil
}

// FbankOptions returns the filterbank options for the FFT configuration.
func (c Config) FbankOptions() (fbank.Options, error) {
	opts := fbank.DefaultOptions(c.FFT.SampleRate, c.FFT.NMel)
	opts.FrameLengthMs = c.FFT.FrameLengthMs
	opts.FrameShiftMs = c.FFT.FrameShiftMs
	if err := opts.Validate(); err != nil {
		return opts, errors.WithMessage(err, "config: invalid fft section")
	}
	return opts, nil
}

// CheckpointPath is where the fine-tuned model, its log and configuration are saved.
func (c Config) CheckpointPath() string {
	return filepath.Join(c.CkptDir, c.CkptName)
}

// ContextParams returns the training hyperparameters in the form of context parameters.
// They seed a model context, so they can be overridden with context settings in the command line.
func (c Config) ContextParams() map[string]any {
	return map[string]any{
		"batch_size":                    c.BatchSize,
		"num_label":                     c.NumLabel,
		"n_mel":                         c.FFT.NMel,
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    c.LR,
		optimizers.ParamAdamWeightDecay: c.WeightDecay,
		"lr_patience":                   c.LRPatience,
		"lr_factor":                     c.LRFactor,
		"max_epoch":                     c.MaxEpoch,
	}
}
