// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package framer converts a corpus of audio files into a fixed-shape feature array
// [numFiles, maxFrames, numMelBins], e.g. for quantization calibration of a model.
//
// Each file's features are mean-normalized over the whole utterance, truncated to maxFrames
// and right-padded with zero frames to exactly maxFrames. The output order follows the input
// paths order.
package framer

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/audiokws/pkg/audio"
	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/features"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrEmptyCorpus is returned when there are no files to frame.
var ErrEmptyCorpus = errors.New("empty corpus")

// Framer frames audio corpora. Configure it with New and the With* methods.
type Framer struct {
	extractor      Extractor
	maxFrames, dim int
	workers        int
	skipUnreadable bool
	progress       io.Writer
}

// New creates a Framer for cfg.FFT (MaxFrames and NMel) using the given Extractor.
// By default it uses cfg.NumWorkers parallel workers (or the number of CPUs if 0) and aborts on
// the first unreadable file, unless cfg.SkipUnreadable is set.
func New(cfg config.Config, extractor Extractor) *Framer {
	return &Framer{
		extractor:      extractor,
		maxFrames:      cfg.FFT.MaxFrames,
		dim:            cfg.FFT.NMel,
		workers:        cfg.NumWorkers,
		skipUnreadable: cfg.SkipUnreadable,
	}
}

// WithWorkers sets the number of files processed in parallel. 0 uses the number of CPUs.
func (f *Framer) WithWorkers(workers int) *Framer {
	f.workers = workers
	return f
}

// WithSkipUnreadable configures whether unreadable audio files are dropped (with a warning) instead
// of aborting the whole run.
func (f *Framer) WithSkipUnreadable(skip bool) *Framer {
	f.skipUnreadable = skip
	return f
}

// WithProgressBar displays a progress bar on w (usually os.Stderr). nil disables it.
func (f *Framer) WithProgressBar(w io.Writer) *Framer {
	f.progress = w
	return f
}

// Corpus is the framed feature array.
type Corpus struct {
	// Paths of the files included, in the order of the examples.
	Paths []string

	// Lengths holds the number of frames of each example before padding.
	Lengths []int

	MaxFrames, Dim int

	// Data is the flat row-major [len(Paths), MaxFrames, Dim] array.
	Data []float32
}

// Size returns the number of examples.
func (c *Corpus) Size() int { return len(c.Paths) }

// Example returns a view of example i as a [MaxFrames, Dim] matrix.
func (c *Corpus) Example(i int) features.Matrix {
	stride := c.MaxFrames * c.Dim
	return features.Matrix{Rows: c.MaxFrames, Cols: c.Dim, Data: c.Data[i*stride : (i+1)*stride]}
}

// Tensor returns the corpus as a float32 tensor shaped [Size, MaxFrames, Dim].
func (c *Corpus) Tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(c.Data, c.Size(), c.MaxFrames, c.Dim)
}

// Save writes the corpus to filePath in NumPy's .npy format.
func (c *Corpus) Save(filePath string) error {
	t := c.Tensor()
	defer func() { _ = t.FinalizeAll() }()
	if err := numpy.ToNpyFile(t, filePath); err != nil {
		return errors.WithMessagef(err, "saving corpus to %q", filePath)
	}
	if info, err := os.Stat(filePath); err == nil {
		klog.Infof("saved %s examples of shape [%d, %d] to %q (%s)", humanize.Comma(int64(c.Size())),
			c.MaxFrames, c.Dim, filePath, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// FrameCorpus extracts and frames the features of all paths.
//
// It returns an error wrapping ErrEmptyCorpus if paths is empty (or if every file was skipped),
// and the extraction error of the first failing file otherwise, unless skipping unreadable files
// was enabled.
func (f *Framer) FrameCorpus(ctx context.Context, paths []string) (*Corpus, error) {
	if len(paths) == 0 {
		return nil, errors.Wrap(ErrEmptyCorpus, "no audio files given")
	}
	if f.maxFrames <= 0 || f.dim <= 0 {
		return nil, errors.Errorf("invalid framer dimensions: max_frames=%d, n_mel=%d", f.maxFrames, f.dim)
	}

	var bar *progressbar.ProgressBar
	if f.progress != nil {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Framing"),
			progressbar.OptionSetWriter(f.progress),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("files"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	// Each worker only writes its own index of results and skipped.
	results := make([]features.Matrix, len(paths))
	skipped := make([]bool, len(paths))
	var numSkipped atomic.Int32
	workers := f.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for ii, path := range paths {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			m, err := f.frameFile(path)
			if err != nil {
				if f.skipUnreadable && errors.Is(err, audio.ErrUnreadableAudio) {
					klog.Warningf("skipping %q: %v", path, err)
					skipped[ii] = true
					numSkipped.Add(1)
				} else {
					return errors.WithMessagef(err, "framing file #%d", ii)
				}
			} else {
				results[ii] = m
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	numExamples := len(paths) - int(numSkipped.Load())
	if numExamples == 0 {
		return nil, errors.Wrapf(ErrEmptyCorpus, "all %d files were unreadable", len(paths))
	}
	if numSkipped.Load() > 0 {
		klog.Warningf("%d of %d files skipped", numSkipped.Load(), len(paths))
	}
	corpus := &Corpus{
		Paths:     make([]string, 0, numExamples),
		Lengths:   make([]int, 0, numExamples),
		MaxFrames: f.maxFrames,
		Dim:       f.dim,
		Data:      make([]float32, numExamples*f.maxFrames*f.dim),
	}
	stride := f.maxFrames * f.dim
	for ii, m := range results {
		if skipped[ii] {
			continue
		}
		idx := corpus.Size()
		corpus.Paths = append(corpus.Paths, paths[ii])
		corpus.Lengths = append(corpus.Lengths, m.Rows)
		m.CopyInto(corpus.Data[idx*stride : (idx+1)*stride])
	}
	return corpus, nil
}

// frameFile extracts the features of one file and truncates them to maxFrames.
func (f *Framer) frameFile(path string) (features.Matrix, error) {
	m, err := f.extractor.Extract(path)
	if err != nil {
		return features.Matrix{}, err
	}
	if err = m.Check(); err != nil {
		return features.Matrix{}, errors.WithMessagef(err, "features of %q", path)
	}
	if m.Cols != f.dim {
		return features.Matrix{}, errors.Errorf("features of %q have %d channels, expected %d", path, m.Cols, f.dim)
	}
	m = m.Truncate(f.maxFrames)
	klog.V(2).Infof("%q: %d frames", path, m.Rows)
	return m, nil
}
