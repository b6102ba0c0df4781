// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package finetune adapts a pretrained ResNet-SE sound event detector to a new set of labels:
// the pretrained backbone is frozen, a new linear head is created and trained.
package finetune

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/exceptions"
)

const (
	// ModelScope is the scope under which the model variables are created.
	ModelScope = "model"

	// BackboneScope holds every variable except the classification head, relative to ModelScope.
	BackboneScope = "backbone"

	// HeadScope holds the classification head, relative to ModelScope.
	HeadScope = "fc"

	// ParamFreezeBackbone marks the backbone variables as not trainable, and freezes the
	// batch normalization averages.
	ParamFreezeBackbone = "freeze_backbone"

	// ParamChannels is the number of channels of the first residual stage. Each of the following
	// stages doubles it.
	ParamChannels = "resnet_channels"

	// ParamNumLabel is the number of classes of the head.
	ParamNumLabel = "num_label"

	// EmbeddingDim is the dimension of the utterance embedding fed to the head.
	EmbeddingDim = 64
)

// stageStrides are the frequency strides of the residual stages. Time is never strided, so the
// frame mask of the input still applies to the temporal pooling.
var stageStrides = []int{1, 2, 2}

// ModelGraph implements train.ModelFn. inputs are the padded features [batch, frames, n_mel]
// and the number of valid frames of each example [batch] (int32). It returns the logits
// [batch, num_label].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	if len(inputs) != 2 {
		exceptions.Panicf("model expects 2 inputs (features and lengths), got %d", len(inputs))
	}
	ctx = ctx.Checked(false)
	embeddings := BackboneGraph(ctx.In(BackboneScope), inputs[0], inputs[1])
	numLabel := context.GetParamOr(ctx, ParamNumLabel, 4)
	logits := layers.Dense(ctx.In(HeadScope), embeddings, true, numLabel)
	logits.AssertDims(embeddings.Shape().Dimensions[0], numLabel)
	return []*Node{logits}
}

// BackboneGraph builds the ResNet-SE feature extractor: a convolution stem, residual blocks with
// squeeze-excitation over (frames, frequency), a projection to EmbeddingDim per frame and
// temporal average pooling over the valid frames.
func BackboneGraph(ctx *context.Context, feats, lengths *Node) *Node {
	g := feats.Graph()
	if feats.Rank() != 3 {
		exceptions.Panicf("features must be shaped [batch, frames, n_mel], got %s", feats.Shape())
	}
	batchSize, numFrames := feats.Shape().Dimensions[0], feats.Shape().Dimensions[1]
	frozen := context.GetParamOr(ctx, ParamFreezeBackbone, false)
	channels := context.GetParamOr(ctx, ParamChannels, 16)

	// Images of [batch, frames, n_mel, 1].
	x := InsertAxes(feats, -1)
	x = layers.Convolution(ctx.In("stem"), x).Filters(channels).KernelSize(3).PadSame().Done()
	x = normalize(ctx.In("stem"), x, frozen)
	x = activations.Relu(x)

	for stage, stride := range stageStrides {
		x = residualBlock(ctx.Inf("block_%d", stage), x, channels<<stage, stride, frozen)
	}

	// Average over frequency, then project each frame to the embedding dimension.
	x = ReduceMean(x, 2)
	x = layers.Dense(ctx.In("projection"), x, true, EmbeddingDim)
	x = activations.Relu(x)

	// Temporal average pooling over the valid frames only.
	mask := LessThan(
		Iota(g, shapes.Make(lengths.DType(), batchSize, numFrames), 1),
		InsertAxes(lengths, -1))
	maskF := InsertAxes(ConvertDType(mask, x.DType()), -1)
	sum := ReduceSum(Mul(x, maskF), 1)
	count := Max(ReduceSum(maskF, 1), OnesLike(ReduceSum(maskF, 1)))
	embeddings := Div(sum, count)

	if frozen {
		freezeScope(ctx)
	}
	return embeddings
}

func residualBlock(ctx *context.Context, x *Node, channels, freqStride int, frozen bool) *Node {
	shortcut := x
	y := layers.Convolution(ctx.In("conv1"), x).Filters(channels).KernelSize(3).
		StridePerAxis(1, freqStride).PadSame().Done()
	y = normalize(ctx.In("conv1"), y, frozen)
	y = activations.Relu(y)
	y = layers.Convolution(ctx.In("conv2"), y).Filters(channels).KernelSize(3).PadSame().Done()
	y = normalize(ctx.In("conv2"), y, frozen)
	y = squeezeExcitation(ctx.In("se"), y)

	if freqStride != 1 || x.Shape().Dimensions[3] != channels {
		shortcut = layers.Convolution(ctx.In("shortcut"), x).Filters(channels).KernelSize(1).
			StridePerAxis(1, freqStride).PadSame().Done()
		shortcut = normalize(ctx.In("shortcut"), shortcut, frozen)
	}
	return activations.Relu(Add(y, shortcut))
}

// squeezeExcitation rescales the channels of x [batch, frames, freq, channels] by gates computed
// from their global average.
func squeezeExcitation(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[3]
	s := ReduceMean(x, 1, 2)
	s = activations.Relu(layers.Dense(ctx.In("squeeze"), s, true, max(channels/4, 1)))
	s = Sigmoid(layers.Dense(ctx.In("excite"), s, true, channels))
	return Mul(x, InsertAxes(s, 1, 1))
}

// normalize applies batch normalization. It uses the batch-norm graph built from basic ops instead of
// the fused backend ops, which not every backend (e.g. simplego) implements.
func normalize(ctx *context.Context, x *Node, frozen bool) *Node {
	return batchnorm.New(ctx, x, -1).
		Trainable(!frozen).
		FrozenAverages(frozen).
		UseBackendInference(false).
		Done()
}

// freezeScope marks every variable under the scope of ctx as not trainable.
func freezeScope(ctx *context.Context) {
	for v := range ctx.IterVariablesInScope() {
		v.SetTrainable(false)
	}
}
