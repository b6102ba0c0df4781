// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/framer"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TrainingConfigFile is written in the checkpoint directory with the configuration used.
	TrainingConfigFile = "training_config.json"

	// ParamEpochsDone is the number of epochs completed, saved along the checkpoints so training
	// can be resumed.
	ParamEpochsDone = "epochs_done"

	// ParamSeed seeds the shuffling of the training data.
	ParamSeed = "seed"
)

// ParamsExcludedFromSaving are the context parameters not saved along the checkpoints: the
// configuration decides them again when resuming.
var ParamsExcludedFromSaving = []string{"num_checkpoints", "max_epoch", ParamSeed}

// Options of Train that are not part of the configuration.
type Options struct {
	// ParamsSet are the context parameters set in the command line. They are not saved along the
	// checkpoint, so they can be changed when resuming.
	ParamsSet []string

	// Extractor of the features, defaults to the filterbank of the configuration.
	Extractor framer.Extractor

	// Verbosity: < 0 disables the progress bar, >= 1 reports the evaluation at the end
	// and >= 2 prints the parameter table.
	Verbosity int
}

// CreateDefaultContext returns a context with the hyperparameters of cfg and the defaults of the
// model, so they can be overridden with commandline.ParseContextSettings.
func CreateDefaultContext(cfg config.Config) *context.Context {
	ctx := context.New()
	ctx.SetParams(cfg.ContextParams())
	ctx.SetParams(map[string]any{
		ParamChannels:       16,
		ParamFreezeBackbone: false,
		ParamEpochsDone:     0,
		ParamSeed:           42,
		"num_checkpoints":   3,
	})
	return ctx
}

// Train fine-tunes the model described by ctx hyperparameters (see CreateDefaultContext) on the
// cfg.Tr list, validating on cfg.CV at the end of every epoch.
//
// If the checkpoint directory (cfg.CheckpointPath) already holds a checkpoint, training is resumed
// from it. Otherwise, the backbone is loaded from cfg.Pretrain.Ckpt (if set) and frozen.
//
// It returns the results of the epochs run.
func Train(backend backends.Backend, ctx *context.Context, cfg config.Config, opts Options) (results []EpochResult, err error) {
	var trainErr error
	err = exceptions.TryCatch[error](func() {
		results, trainErr = trainImpl(backend, ctx, cfg, opts)
	})
	if err == nil {
		err = trainErr
	}
	return
}

func trainImpl(backend backends.Backend, ctx *context.Context, cfg config.Config, opts Options) ([]EpochResult, error) {
	ckptPath := cfg.CheckpointPath()
	if err := os.MkdirAll(ckptPath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", ckptPath)
	}
	checkpoint, err := checkpoints.Build(ctx).
		Dir(ckptPath).
		Keep(context.GetParamOr(ctx, "num_checkpoints", 3)).
		ExcludeParams(append(opts.ParamsSet, ParamsExcludedFromSaving...)...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint in %q", ckptPath)
	}
	resuming, err := checkpoint.HasCheckpoints()
	if err != nil {
		return nil, err
	}

	model := NewSED(backend, ctx, cfg.FFT.MaxFrames, cfg.Pretrain.NumLabel)
	switch {
	case resuming:
		klog.Infof("resuming training from %q", checkpoint.Dir())
	case cfg.Pretrain.Ckpt != "":
		if err := model.Load(cfg.Pretrain.Ckpt); err != nil {
			return nil, err
		}
	default:
		klog.Warningf("no pretrained checkpoint configured, training all the model from random weights")
	}
	if err := writeTrainingConfig(filepath.Join(ckptPath, TrainingConfigFile), cfg); err != nil {
		return nil, err
	}
	lossWriter, err := NewLossWriter(filepath.Join(ckptPath, "log"))
	if err != nil {
		return nil, err
	}

	// Datasets.
	extractor := opts.Extractor
	if extractor == nil {
		if extractor, err = framer.NewFbankExtractor(cfg); err != nil {
			return nil, err
		}
	}
	fr := framer.New(cfg, extractor)
	limit := 0
	if cfg.DryRun {
		limit = DryRunUtterances
	}
	numLabel := context.GetParamOr(ctx, ParamNumLabel, cfg.NumLabel)
	batchSize := context.GetParamOr(ctx, "batch_size", cfg.BatchSize)
	seed := uint64(context.GetParamOr(ctx, ParamSeed, 42))
	klog.Infof("training data processing")
	trUtts, err := ReadList(cfg.Tr, numLabel, limit)
	if err != nil {
		return nil, err
	}
	trainDS, err := NewDataset(stdcontext.Background(), "train", trUtts, fr, batchSize, cfg.FFT.MaxFrames,
		rand.New(rand.NewPCG(seed, seed+1)))
	if err != nil {
		return nil, err
	}
	klog.Infof("validation data processing")
	cvUtts, err := ReadList(cfg.CV, numLabel, limit)
	if err != nil {
		return nil, err
	}
	cvDS, err := NewDataset(stdcontext.Background(), "cv", cvUtts, fr, batchSize, cfg.FFT.MaxFrames, nil)
	if err != nil {
		return nil, err
	}
	klog.Infof("# of tr batches: %d, # of cv batches: %d", trainDS.NumBatches(), cvDS.NumBatches())
	var trainSource train.Dataset = trainDS
	if cfg.NumWorkers > 1 {
		parallel := datasets.CustomParallel(trainDS).Parallelism(cfg.NumWorkers).Buffer(cfg.NumWorkers).Start()
		defer parallel.Done()
		trainSource = parallel
	}

	// Trainer.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	modelCtx := model.Context()
	trainer := train.NewTrainer(backend, modelCtx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Learning rate schedule: it starts from the current value of the learning rate, which may
	// have been restored from the checkpoint.
	lr := context.GetParamOr(modelCtx, optimizers.ParamLearningRate, cfg.LR)
	lrValue, err := optimizers.LearningRateVar(modelCtx, dtypes.Float32, lr).Value()
	if err != nil {
		return nil, errors.WithMessage(err, "reading learning rate")
	}
	plateau := NewPlateau(scalarValue(lrValue), context.GetParamOr(ctx, "lr_factor", cfg.LRFactor),
		context.GetParamOr(ctx, "lr_patience", cfg.LRPatience))

	startEpoch := context.GetParamOr(ctx, ParamEpochsDone, 0)
	maxEpoch := context.GetParamOr(ctx, "max_epoch", cfg.MaxEpoch)
	if startEpoch >= maxEpoch {
		klog.Infof("%d epochs already trained, max_epoch=%d: nothing to do", startEpoch, maxEpoch)
	}
	var results []EpochResult
	for epoch := startEpoch; epoch < maxEpoch; epoch++ {
		trainMetrics, err := loop.RunEpochs(trainSource, 1)
		if err != nil {
			return results, errors.WithMessagef(err, "training epoch %d", epoch+1)
		}
		if epoch == startEpoch {
			total, trainable := ParameterCount(modelCtx)
			klog.Infof("# of NN parameters: %s (%s trainable)", humanize.Comma(int64(total)), humanize.Comma(int64(trainable)))
			if opts.Verbosity >= 2 {
				fmt.Println(ParameterTable(modelCtx))
			}
		}
		cvMetrics, err := trainer.Eval(cvDS)
		cvDS.Reset()
		if err != nil {
			return results, errors.WithMessagef(err, "validating epoch %d", epoch+1)
		}

		result := EpochResult{
			Epoch:        epoch + 1,
			GlobalStep:   int64(trainer.GlobalStep()),
			TrainLoss:    findMetric(trainer.TrainMetrics(), trainMetrics, metrics.LossMetricType, "Batch Loss"),
			CVLoss:       findMetric(trainer.EvalMetrics(), cvMetrics, metrics.LossMetricType, ""),
			CVAccuracy:   findMetric(trainer.EvalMetrics(), cvMetrics, metrics.AccuracyMetricType, ""),
			LearningRate: plateau.LearningRate(),
			Time:         time.Now(),
		}
		klog.Infof("epoch %d/%d: train loss %.4f, cv loss %.4f, cv accuracy %.2f%%, lr %g",
			result.Epoch, maxEpoch, result.TrainLoss, result.CVLoss, 100*result.CVAccuracy, result.LearningRate)
		if err = lossWriter.Write(result); err != nil {
			return results, err
		}
		results = append(results, result)

		if newLR, reduced := plateau.Step(result.CVLoss); reduced {
			klog.Infof("reducing learning rate to %g", newLR)
			if err = setLearningRate(modelCtx, newLR); err != nil {
				return results, err
			}
		}
		ctx.SetParam(ParamEpochsDone, epoch+1)
		if err = checkpoint.Save(); err != nil {
			return results, errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch+1)
		}
	}

	if opts.Verbosity >= 1 {
		if err = commandline.ReportEval(trainer, cvDS); err != nil {
			return results, err
		}
	}
	return results, nil
}

// findMetric returns the value of the first metric of the given type, skipping the one named skip.
// It returns NaN if there is none.
func findMetric(descs []metrics.Interface, values []*tensors.Tensor, metricType, skip string) float64 {
	for ii, desc := range descs {
		if ii >= len(values) || desc.MetricType() != metricType || (skip != "" && desc.Name() == skip) {
			continue
		}
		return scalarValue(values[ii])
	}
	return math.NaN()
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		exceptions.Panicf("unexpected metric value %v (%s)", v, t.Shape())
		panic(nil)
	}
}

func writeTrainingConfig(path string, cfg config.Config) error {
	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding training configuration")
	}
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "writing training configuration to %q", path)
	}
	return nil
}
