// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix of the environment variables overriding configuration values.
const EnvPrefix = "KWS_"

// Loader builds a Config from Default, an optional YAML file and environment overrides, and validates it.
//
// Tests can set Lookup to inject a deterministic environment.
type Loader struct {
	// Path of a YAML file. Empty means no file.
	Path string

	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load the configuration.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	cfg := Default()
	if l.Path != "" {
		contents, err := os.ReadFile(l.Path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: reading %q", l.Path)
		}
		if err = DecodeYAML(bytes.NewReader(contents), &cfg); err != nil {
			return Config{}, errors.WithMessagef(err, "config: file %q", l.Path)
		}
	}
	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeYAML decodes r into cfg, keeping the current values of fields not present.
// Unknown fields are an error.
func DecodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "config: decoding YAML")
	}
	return nil
}

// EncodeYAML writes cfg as YAML.
func EncodeYAML(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return errors.Wrap(err, "config: encoding YAML")
	}
	return errors.Wrap(enc.Close(), "config: encoding YAML")
}

func (l Loader) applyEnv(cfg *Config) error {
	ints := map[string]*int{
		"SAMPLE_RATE":        &cfg.FFT.SampleRate,
		"N_MEL":              &cfg.FFT.NMel,
		"MAX_FRAMES":         &cfg.FFT.MaxFrames,
		"BATCH_SIZE":         &cfg.BatchSize,
		"NUM_WORKERS":        &cfg.NumWorkers,
		"NUM_LABEL":          &cfg.NumLabel,
		"PRETRAIN_NUM_LABEL": &cfg.Pretrain.NumLabel,
		"LR_PATIENCE":        &cfg.LRPatience,
		"MAX_EPOCH":          &cfg.MaxEpoch,
	}
	for key, target := range ints {
		if err := override(l.Lookup, key, target, strconv.Atoi); err != nil {
			return err
		}
	}
	floats := map[string]*float64{
		"FRAME_LENGTH_MS": &cfg.FFT.FrameLengthMs,
		"FRAME_SHIFT_MS":  &cfg.FFT.FrameShiftMs,
		"LR":              &cfg.LR,
		"WEIGHT_DECAY":    &cfg.WeightDecay,
		"LR_FACTOR":       &cfg.LRFactor,
	}
	for key, target := range floats {
		if err := override(l.Lookup, key, target, parseFloat); err != nil {
			return err
		}
	}
	strs := map[string]*string{
		"TR":            &cfg.Tr,
		"CV":            &cfg.CV,
		"CKPT_DIR":      &cfg.CkptDir,
		"CKPT_NAME":     &cfg.CkptName,
		"PRETRAIN_CKPT": &cfg.Pretrain.Ckpt,
	}
	for key, target := range strs {
		if err := override(l.Lookup, key, target, parseString); err != nil {
			return err
		}
	}
	bools := map[string]*bool{
		"DRY_RUN":         &cfg.DryRun,
		"SKIP_UNREADABLE": &cfg.SkipUnreadable,
	}
	for key, target := range bools {
		if err := override(l.Lookup, key, target, strconv.ParseBool); err != nil {
			return err
		}
	}
	return nil
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func parseString(s string) (string, error) { return s, nil }

func override[T any](lookup func(string) (string, bool), key string, target *T, parse func(string) (T, error)) error {
	raw, ok := lookup(EnvPrefix + key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := parse(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid value %q for %s%s", raw, EnvPrefix, key)
	}
	*target = v
	return nil
}
