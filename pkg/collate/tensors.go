// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collate

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensors converts the batch to the tensors fed to the model:
//
//   - feats: float32 [Size, frames, Dim], zero-padded;
//   - lengths: int32 [Size], the FeatLengths;
//   - labels: int32 [Size, 1], the shape expected by sparse categorical losses.
//
// If frames is <= 0 the batch's MaxFrames is used. A larger value pads the time axis further, which
// limits the number of distinct shapes (and hence graph compilations) seen by the model.
func (b *Batch) Tensors(frames int) (feats, lengths, labels *tensors.Tensor, err error) {
	if b.Size() == 0 {
		return nil, nil, nil, errors.New("cannot convert an empty batch to tensors")
	}
	if frames <= 0 {
		frames = b.MaxFrames
	}
	if frames < b.MaxFrames {
		return nil, nil, nil, errors.Errorf("cannot fit batch with %d frames into %d frames", b.MaxFrames, frames)
	}

	n := b.Size()
	flat := b.Feats
	if frames != b.MaxFrames {
		flat = make([]float32, n*frames*b.Dim)
		srcStride, dstStride := b.MaxFrames*b.Dim, frames*b.Dim
		for ii := range n {
			copy(flat[ii*dstStride:], b.Feats[ii*srcStride:(ii+1)*srcStride])
		}
	}
	feats = tensors.FromFlatDataAndDimensions(flat, n, frames, b.Dim)

	lens := make([]int32, n)
	ids := make([]int32, n)
	for ii := range n {
		lens[ii] = int32(b.FeatLengths[ii])
		ids[ii] = int32(b.Labels[ii])
	}
	lengths = tensors.FromFlatDataAndDimensions(lens, n)
	labels = tensors.FromFlatDataAndDimensions(ids, n, 1)
	return
}
