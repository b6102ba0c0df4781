// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadBackbone copies the backbone variables of the pretrained checkpoint in dir into ctx,
// marks them as not trainable and sets ParamFreezeBackbone in ctx.
//
// The pretrained head is dropped: it is recreated with the new number of labels when the model
// graph is first built. pretrainedNumLabel, if > 0, is checked against the head found in the
// checkpoint, but a mismatch is only logged.
//
// It returns the number of backbone variables loaded.
func LoadBackbone(ctx *context.Context, dir string, pretrainedNumLabel int) (int, error) {
	pretrained := context.New()
	if _, err := checkpoints.Load(pretrained).Dir(dir).Immediate().Done(); err != nil {
		return 0, errors.WithMessagef(err, "loading pretrained checkpoint from %q", dir)
	}

	modelScope := context.JoinScope(context.RootScope, ModelScope)
	backbone := pretrained.InAbsPath(context.JoinScope(modelScope, BackboneScope))
	head := pretrained.InAbsPath(context.JoinScope(modelScope, HeadScope))

	var count int
	for v := range backbone.IterVariablesInScope() {
		if existing := ctx.GetVariableByScopeAndName(v.Scope(), v.Name()); existing != nil {
			return count, errors.Errorf("variable %s already exists, the pretrained backbone must be loaded "+
				"into a fresh context", v.ScopeAndName())
		}
		clone, err := v.CloneToContext(ctx)
		if err != nil {
			return count, errors.WithMessagef(err, "copying pretrained variable %s", v.ScopeAndName())
		}
		clone.SetTrainable(false)
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("no variables found under scope %q in pretrained checkpoint %q",
			backbone.Scope(), dir)
	}

	for v := range head.IterVariablesInScope() {
		if v.Name() != "weights" || v.Shape().Rank() != 2 {
			continue
		}
		if numLabel := v.Shape().Dimensions[1]; pretrainedNumLabel > 0 && numLabel != pretrainedNumLabel {
			klog.Warningf("pretrained head has %d labels, configuration says %d", numLabel, pretrainedNumLabel)
		} else {
			klog.V(1).Infof("dropping pretrained head %s with %d labels", v.ScopeAndName(), numLabel)
		}
	}

	ctx.SetParam(ParamFreezeBackbone, true)
	klog.Infof("loaded %d pretrained backbone variables from %q", count, dir)
	return count, nil
}
