// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Plateau reduces the learning rate by Factor when the monitored loss hasn't improved for more
// than Patience epochs. An epoch improves if its loss is below best*(1-Threshold).
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	// MinLR is the lower bound of the learning rate.
	MinLR float64

	// Eps is the minimal change of the learning rate: smaller updates are ignored.
	Eps float64

	best         float64
	numBad       int
	learningRate float64
}

// NewPlateau creates a Plateau schedule starting at learningRate.
func NewPlateau(learningRate, factor float64, patience int) *Plateau {
	return &Plateau{
		Factor:       factor,
		Patience:     patience,
		Threshold:    1e-4,
		Eps:          1e-8,
		best:         math.Inf(1),
		learningRate: learningRate,
	}
}

// LearningRate returns the current learning rate.
func (p *Plateau) LearningRate() float64 { return p.learningRate }

// Step takes the loss of the last epoch and returns the learning rate to use for the next one,
// and whether it changed.
func (p *Plateau) Step(loss float64) (learningRate float64, reduced bool) {
	if math.IsNaN(loss) {
		p.numBad++
	} else if loss < p.best*(1-p.Threshold) {
		p.best = loss
		p.numBad = 0
	} else {
		p.numBad++
	}
	if p.numBad > p.Patience {
		p.numBad = 0
		newLR := max(p.learningRate*p.Factor, p.MinLR)
		if p.learningRate-newLR > p.Eps {
			p.learningRate = newLR
			reduced = true
		}
	}
	return p.learningRate, reduced
}

// setLearningRate updates the optimizer's learning rate variable in ctx.
func setLearningRate(ctx *context.Context, learningRate float64) error {
	lrVar := optimizers.LearningRateVar(ctx, dtypes.Float32, learningRate)
	if err := lrVar.SetValue(tensors.FromScalar(float32(learningRate))); err != nil {
		return errors.WithMessage(err, "setting learning rate")
	}
	klog.V(1).Infof("learning rate set to %g", learningRate)
	return nil
}
