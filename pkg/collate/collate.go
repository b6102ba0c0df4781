// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collate merges variable-length feature samples into padded batches.
//
// Samples are sorted by number of frames (descending, stable) and right-padded with zeros
// to the longest sample of the batch, so recurrent or masked models can use the
// per-sample lengths to ignore the padding.
package collate

import (
	"slices"

	"github.com/gomlx/audiokws/pkg/features"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when samples of a batch have different feature dimensions.
	ErrShapeMismatch = errors.New("feature dimension mismatch")

	// ErrLabelCardinality is returned when a sample label is not exactly one integer.
	ErrLabelCardinality = errors.New("label must be exactly one integer")
)

// Sample is one utterance: its key, its features [T, F] and its label.
//
// Labels is a slice so malformed (empty or multi-valued) labels can be represented and rejected.
// Use NewSample for the usual single-label case.
type Sample struct {
	Key    string
	Feat   features.Matrix
	Labels []int
}

// NewSample creates a Sample with a single label.
func NewSample(key string, feat features.Matrix, label int) Sample {
	return Sample{Key: key, Feat: feat, Labels: []int{label}}
}

// Batch of samples sorted by decreasing number of frames.
type Batch struct {
	// Keys of the samples, in the batch order.
	Keys []string

	// Feats is the flat row-major [Size, MaxFrames, Dim] features tensor, zero-padded on the time axis.
	Feats []float32

	// MaxFrames is the number of frames of the longest sample, and Dim the feature dimension.
	MaxFrames, Dim int

	// Labels holds one class index per sample.
	Labels []int

	// FeatLengths holds the original (unpadded) number of frames per sample. It is non-increasing.
	FeatLengths []int

	// LabelLengths is always 1 per sample.
	LabelLengths []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Keys) }

// Frame returns a view of frame t of sample i.
func (b *Batch) Frame(i, t int) []float32 {
	start := (i*b.MaxFrames + t) * b.Dim
	return b.Feats[start : start+b.Dim]
}

// Unpad returns a copy of the features of sample i, with its padding removed.
func (b *Batch) Unpad(i int) features.Matrix {
	m := features.New(b.FeatLengths[i], b.Dim)
	start := i * b.MaxFrames * b.Dim
	copy(m.Data, b.Feats[start:start+len(m.Data)])
	return m
}

// Collate merges samples into a Batch.
//
// The order is a stable sort by number of frames, longest first: samples of equal length keep
// their input order. An empty input yields an empty Batch.
//
// It returns an error wrapping ErrShapeMismatch if feature dimensions differ, or ErrLabelCardinality
// if any sample doesn't have exactly one label.
func Collate(samples []Sample) (*Batch, error) {
	n := len(samples)
	batch := &Batch{
		Keys:         make([]string, n),
		Labels:       make([]int, n),
		FeatLengths:  make([]int, n),
		LabelLengths: make([]int, n),
	}
	if n == 0 {
		return batch, nil
	}

	batch.Dim = samples[0].Feat.Cols
	for ii, sample := range samples {
		if err := sample.Feat.Check(); err != nil {
			return nil, errors.WithMessagef(err, "sample #%d (%q)", ii, sample.Key)
		}
		if sample.Feat.Cols != batch.Dim {
			return nil, errors.Wrapf(ErrShapeMismatch, "sample #%d (%q) has %d features per frame, sample #0 has %d",
				ii, sample.Key, sample.Feat.Cols, batch.Dim)
		}
		if len(sample.Labels) != 1 {
			return nil, errors.Wrapf(ErrLabelCardinality, "sample #%d (%q) has %d labels", ii, sample.Key, len(sample.Labels))
		}
	}

	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return samples[b].Feat.Rows - samples[a].Feat.Rows
	})

	batch.MaxFrames = samples[order[0]].Feat.Rows
	stride := batch.MaxFrames * batch.Dim
	batch.Feats = make([]float32, n*stride)
	for ii, idx := range order {
		sample := samples[idx]
		batch.Keys[ii] = sample.Key
		batch.FeatLengths[ii] = sample.Feat.Rows
		batch.Labels[ii] = sample.Labels[0]
		batch.LabelLengths[ii] = 1
		sample.Feat.CopyInto(batch.Feats[ii*stride : (ii+1)*stride])
	}
	return batch, nil
}
