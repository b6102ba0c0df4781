// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"iter"
	"sync"

	"github.com/gomlx/audiokws/pkg/collate"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Model is the capability set the fine-tuning driver needs from a classifier.
type Model interface {
	// Load the pretrained weights from a checkpoint directory.
	Load(dir string) error

	// Predict returns the logits [batch, num_label] for a collated batch.
	Predict(batch *collate.Batch) (*tensors.Tensor, error)

	// Parameters yields the trainable variables.
	Parameters() iter.Seq[*context.Variable]
}

// SED is the ResNet-SE sound event detector built by ModelGraph.
type SED struct {
	backend            backends.Backend
	ctx                *context.Context
	maxFrames          int
	pretrainedNumLabel int

	mu   sync.Mutex
	exec *context.Exec
}

var _ Model = (*SED)(nil)

// NewSED creates a model whose variables live in ctx (under ModelScope), for batches padded to
// maxFrames frames. The hyperparameters (ParamNumLabel, ParamChannels, ...) are read from ctx.
func NewSED(backend backends.Backend, ctx *context.Context, maxFrames, pretrainedNumLabel int) *SED {
	return &SED{backend: backend, ctx: ctx, maxFrames: maxFrames, pretrainedNumLabel: pretrainedNumLabel}
}

// Context returns the context scoped for the model, the one given to ModelGraph.
func (m *SED) Context() *context.Context {
	return m.ctx.In(ModelScope)
}

// Load implements Model: it loads the pretrained backbone, see LoadBackbone.
func (m *SED) Load(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec != nil {
		return errors.New("pretrained weights must be loaded before the model is first used")
	}
	_, err := LoadBackbone(m.ctx, dir, m.pretrainedNumLabel)
	return err
}

// Predict implements Model. Variables not yet created (e.g. the new head) are initialized on the
// first call.
func (m *SED) Predict(batch *collate.Batch) (*tensors.Tensor, error) {
	feats, lengths, _, err := batch.Tensors(m.maxFrames)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = feats.FinalizeAll()
		_ = lengths.FinalizeAll()
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec == nil {
		m.exec, err = context.NewExec(m.backend, m.Context(),
			func(ctx *context.Context, feats, lengths *Node) *Node {
				return ModelGraph(ctx, nil, []*Node{feats, lengths})[0]
			})
		if err != nil {
			return nil, errors.WithMessage(err, "creating model executor")
		}
	}
	logits, err := m.exec.Exec1(feats, lengths)
	if err != nil {
		return nil, errors.WithMessage(err, "running model")
	}
	return logits, nil
}

// Parameters implements Model. Only variables already created are yielded: the graph is built on
// the first Predict or training step.
func (m *SED) Parameters() iter.Seq[*context.Variable] {
	return func(yield func(*context.Variable) bool) {
		for v := range m.Context().IterVariablesInScope() {
			if v.Trainable && !yield(v) {
				return
			}
		}
	}
}
