// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// LossLogFile is the name of the per-epoch loss log, under the "log" subdirectory of the checkpoint.
const LossLogFile = "losses.jsonl"

// EpochResult holds the metrics of one training epoch.
type EpochResult struct {
	Epoch        int
	GlobalStep   int64
	TrainLoss    float64
	CVLoss       float64
	CVAccuracy   float64
	LearningRate float64
	Time         time.Time
}

// epochResultJSON is the encoding of EpochResult: JSON has no NaN or infinities, they are
// written as null.
type epochResultJSON struct {
	Epoch        int       `json:"epoch"`
	GlobalStep   int64     `json:"global_step"`
	TrainLoss    *float64  `json:"train_loss"`
	CVLoss       *float64  `json:"cv_loss"`
	CVAccuracy   *float64  `json:"cv_accuracy"`
	LearningRate *float64  `json:"learning_rate"`
	Time         time.Time `json:"time"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// MarshalJSON implements json.Marshaler.
func (r EpochResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(epochResultJSON{
		Epoch:        r.Epoch,
		GlobalStep:   r.GlobalStep,
		TrainLoss:    finiteOrNil(r.TrainLoss),
		CVLoss:       finiteOrNil(r.CVLoss),
		CVAccuracy:   finiteOrNil(r.CVAccuracy),
		LearningRate: finiteOrNil(r.LearningRate),
		Time:         r.Time,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Null values are read back as NaN.
func (r *EpochResult) UnmarshalJSON(data []byte) error {
	var enc epochResultJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	*r = EpochResult{
		Epoch:        enc.Epoch,
		GlobalStep:   enc.GlobalStep,
		TrainLoss:    valueOrNaN(enc.TrainLoss),
		CVLoss:       valueOrNaN(enc.CVLoss),
		CVAccuracy:   valueOrNaN(enc.CVAccuracy),
		LearningRate: valueOrNaN(enc.LearningRate),
		Time:         enc.Time,
	}
	return nil
}

// LossWriter appends one JSON line per epoch to the loss log.
type LossWriter struct {
	path string
}

// NewLossWriter creates logDir if needed and returns a writer appending to logDir/LossLogFile.
func NewLossWriter(logDir string) (*LossWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating log directory %q", logDir)
	}
	return &LossWriter{path: filepath.Join(logDir, LossLogFile)}, nil
}

// Path of the log file.
func (w *LossWriter) Path() string { return w.path }

// Write appends result to the log.
func (w *LossWriter) Write(result EpochResult) error {
	line, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encoding epoch result")
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening loss log %q", w.path)
	}
	if _, err = f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing loss log %q", w.path)
	}
	return errors.Wrapf(f.Close(), "closing loss log %q", w.path)
}

// ReadLossLog reads back all the results written to a loss log.
func ReadLossLog(path string) ([]EpochResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening loss log %q", path)
	}
	defer func() { _ = f.Close() }()
	var results []EpochResult
	dec := json.NewDecoder(f)
	for dec.More() {
		var r EpochResult
		if err := dec.Decode(&r); err != nil {
			return nil, errors.Wrapf(err, "decoding loss log %q", path)
		}
		results = append(results, r)
	}
	return results, nil
}
