// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package finetune

import (
	"bufio"
	stdcontext "context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/audiokws/pkg/collate"
	"github.com/gomlx/audiokws/pkg/framer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DryRunUtterances is the number of utterances read from each list in a dry run.
const DryRunUtterances = 100

// Utterance is one labeled entry of a list file.
type Utterance struct {
	Key, Path string
	Label     int
}

// ReadList parses a list file with one "key path label" entry per line, separated by blanks.
// Empty lines and lines starting with "#" are ignored. Relative paths are taken relative to the
// directory of the list file. Labels must be in [0, numLabel).
//
// If limit > 0, at most limit utterances are returned.
func ReadList(listPath string, numLabel, limit int) ([]Utterance, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening list %q", listPath)
	}
	defer func() { _ = f.Close() }()

	baseDir := filepath.Dir(listPath)
	var utts []Utterance
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, errors.Errorf("%s:%d: expected \"key path label\", got %d fields", listPath, lineNum, len(fields))
		}
		label, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid label", listPath, lineNum)
		}
		if label < 0 || label >= numLabel {
			return nil, errors.Errorf("%s:%d: label %d out of range [0, %d)", listPath, lineNum, label, numLabel)
		}
		path := fields[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		utts = append(utts, Utterance{Key: fields[0], Path: path, Label: label})
		if limit > 0 && len(utts) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading list %q", listPath)
	}
	return utts, nil
}

// Dataset yields collated batches of utterances: features [batch, maxFrames, n_mel] (float32) and
// lengths [batch] (int32) as inputs, and labels [batch, 1] (int32).
//
// Features are extracted once, when the Dataset is created. Batches are not dropped: the last one
// may be smaller.
type Dataset struct {
	name      string
	samples   []collate.Sample
	batchSize int
	maxFrames int

	// muIndices protects the mutable part of the Dataset, so Yield can be called concurrently.
	muIndices sync.Mutex
	order     []int
	pos       int
	shuffle   *rand.Rand
}

var _ train.Dataset = &Dataset{}

// NewDataset extracts the features of utts with fr and creates the Dataset.
// If shuffle is not nil, the order of the utterances is shuffled at every Reset (and at creation).
func NewDataset(ctx stdcontext.Context, name string, utts []Utterance, fr *framer.Framer,
	batchSize, maxFrames int, shuffle *rand.Rand) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", name, batchSize)
	}
	paths := make([]string, len(utts))
	for ii, utt := range utts {
		paths[ii] = utt.Path
	}
	corpus, err := fr.FrameCorpus(ctx, paths)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}

	// The corpus keeps the order of paths, possibly with unreadable files skipped.
	ds := &Dataset{
		name:      name,
		samples:   make([]collate.Sample, 0, corpus.Size()),
		batchSize: batchSize,
		maxFrames: maxFrames,
		shuffle:   shuffle,
	}
	uttIdx := 0
	for ii, path := range corpus.Paths {
		for utts[uttIdx].Path != path {
			uttIdx++
		}
		utt := utts[uttIdx]
		uttIdx++
		feat := corpus.Example(ii).Truncate(corpus.Lengths[ii])
		ds.samples = append(ds.samples, collate.NewSample(utt.Key, feat, utt.Label))
	}
	klog.Infof("dataset %q: %d utterances, %d batches", name, len(ds.samples), ds.NumBatches())
	ds.order = make([]int, len(ds.samples))
	ds.resetLocked()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.name[:min(3, len(ds.name))] }

// Size returns the number of utterances.
func (ds *Dataset) Size() int { return len(ds.samples) }

// NumBatches returns the number of batches in one epoch.
func (ds *Dataset) NumBatches() int { return (len(ds.samples) + ds.batchSize - 1) / ds.batchSize }

// Yield implements train.Dataset. It returns io.EOF at the end of the epoch.
//
// It returns spec==nil always, since inputs and labels have always the same type of content.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muIndices.Lock()
	if ds.pos >= len(ds.order) {
		ds.muIndices.Unlock()
		return nil, nil, nil, io.EOF
	}
	end := min(ds.pos+ds.batchSize, len(ds.order))
	indices := ds.order[ds.pos:end]
	ds.pos = end
	ds.muIndices.Unlock()

	samples := make([]collate.Sample, len(indices))
	for ii, idx := range indices {
		samples[ii] = ds.samples[idx]
	}
	batch, err := collate.Collate(samples)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	feats, lengths, batchLabels, err := batch.Tensors(ds.maxFrames)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return nil, []*tensors.Tensor{feats, lengths}, []*tensors.Tensor{batchLabels}, nil
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.muIndices.Lock()
	defer ds.muIndices.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
	ds.pos = 0
}
