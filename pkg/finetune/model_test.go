package finetune

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/audiokws/pkg/collate"
	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/features"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNumMel    = 8
	testMaxFrames = 16
	testChannels  = 4
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	return must.M1(simplego.New(""))
}

// testContext creates a small model context with numLabel classes.
func testContext(numLabel int) *context.Context {
	cfg := config.Default()
	cfg.NumLabel = numLabel
	cfg.FFT.NMel = testNumMel
	ctx := CreateDefaultContext(cfg)
	ctx.SetParam(ParamChannels, testChannels)
	return ctx
}

func randomBatch(t *testing.T, rng *rand.Rand, lengths ...int) *collate.Batch {
	t.Helper()
	samples := make([]collate.Sample, len(lengths))
	for ii, rows := range lengths {
		m := features.New(rows, testNumMel)
		for jj := range m.Data {
			m.Data[jj] = float32(rng.NormFloat64())
		}
		samples[ii] = collate.NewSample(fmt.Sprintf("utt%d", ii), m, ii%2)
	}
	return must.M1(collate.Collate(samples))
}

// savePretrained builds a model with numLabel classes, initializes it and saves it to dir.
func savePretrained(t *testing.T, backend backends.Backend, dir string, numLabel int) *context.Context {
	t.Helper()
	ctx := testContext(numLabel)
	model := NewSED(backend, ctx, testMaxFrames, 0)
	rng := rand.New(rand.NewPCG(1, 2))
	logits, err := model.Predict(randomBatch(t, rng, 5, 16))
	require.NoError(t, err)
	assert.Equal(t, []int{2, numLabel}, logits.Shape().Dimensions)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	return ctx
}

func TestPredictShape(t *testing.T) {
	backend := testBackend(t)
	model := NewSED(backend, testContext(3), testMaxFrames, 0)
	rng := rand.New(rand.NewPCG(3, 4))
	logits, err := model.Predict(randomBatch(t, rng, 3, 16, 7, 1))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, logits.Shape().Dimensions)

	// Without a pretrained backbone everything is trainable.
	var numTrainable int
	for v := range model.Parameters() {
		assert.True(t, v.Trainable)
		numTrainable++
	}
	assert.Greater(t, numTrainable, 2)

	// Batches longer than the model frames are rejected.
	_, err = model.Predict(randomBatch(t, rng, testMaxFrames+1))
	require.Error(t, err)
}

func TestPredictIndependentOfBatch(t *testing.T) {
	backend := testBackend(t)
	model := NewSED(backend, testContext(3), testMaxFrames, 0)
	rng := rand.New(rand.NewPCG(5, 6))
	short := randomBatch(t, rng, 6)
	// Same utterance, collated along a longer one.
	long := randomBatch(t, rng, 12)
	both := must.M1(collate.Collate([]collate.Sample{
		collate.NewSample("short", short.Unpad(0), 0),
		collate.NewSample("long", long.Unpad(0), 1),
	}))
	require.Equal(t, []string{"long", "short"}, both.Keys)

	alone := tensors.MustCopyFlatData[float32](must.M1(model.Predict(short)))
	together := tensors.MustCopyFlatData[float32](must.M1(model.Predict(both)))
	assert.InDeltaSlice(t, alone, together[3:6], 1e-4)
}

func TestLoadBackboneFreezes(t *testing.T) {
	backend := testBackend(t)
	dir := t.TempDir()
	pretrainedCtx := savePretrained(t, backend, dir, 4)

	ctx := testContext(3)
	model := NewSED(backend, ctx, testMaxFrames, 4)
	require.NoError(t, model.Load(dir))
	assert.True(t, context.GetParamOr(ctx, ParamFreezeBackbone, false))

	// Only the backbone was loaded, and it's frozen.
	for v := range ctx.IterVariables() {
		assert.True(t, strings.HasPrefix(v.Scope(), "/model/backbone"), "unexpected variable %s", v.ScopeAndName())
		assert.False(t, v.Trainable, "variable %s should be frozen", v.ScopeAndName())
	}
	stem := ctx.GetVariableByScopeAndName("/model/backbone/stem/conv", "weights")
	require.NotNil(t, stem)
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](must.M1(pretrainedCtx.GetVariableByScopeAndName("/model/backbone/stem/conv", "weights").Value())),
		tensors.MustCopyFlatData[float32](must.M1(stem.Value())))

	// The new head is created with 3 labels, and it's the only trainable part.
	rng := rand.New(rand.NewPCG(7, 8))
	logits, err := model.Predict(randomBatch(t, rng, 10, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
	var names []string
	for v := range model.Parameters() {
		assert.True(t, strings.HasPrefix(v.Scope(), "/model/fc"), "unexpected trainable variable %s", v.ScopeAndName())
		names = append(names, v.Name())
	}
	assert.ElementsMatch(t, []string{"weights", "biases"}, names)
	total, trainable := ParameterCount(model.Context())
	assert.Equal(t, EmbeddingDim*3+3, trainable)
	assert.Greater(t, total, trainable)
	assert.Contains(t, ParameterTable(model.Context()), "/model/fc/dense")

	// Loading after the model was used is an error.
	require.Error(t, model.Load(dir))
}

func TestLoadBackboneErrors(t *testing.T) {
	backend := testBackend(t)
	model := NewSED(backend, testContext(3), testMaxFrames, 4)
	require.Error(t, model.Load(t.TempDir()))

	// A checkpoint without a backbone.
	dir := t.TempDir()
	ctx := context.New()
	ctx.In("other").VariableWithValue("x", float32(1))
	handler := must.M1(checkpoints.Build(ctx).Dir(dir).Done())
	require.NoError(t, handler.Save())
	_, err := LoadBackbone(testContext(3), dir, 0)
	require.Error(t, err)
}
