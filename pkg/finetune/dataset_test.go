package finetune

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/audiokws/pkg/audio"
	"github.com/gomlx/audiokws/pkg/config"
	"github.com/gomlx/audiokws/pkg/features"
	"github.com/gomlx/audiokws/pkg/framer"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pathExtractor generates features from the path name: files named "<label>_<frames>_<n>.wav" get
// <frames> frames filled with <label>+noise. Files named "bad*" are unreadable.
type pathExtractor struct {
	dim int
}

func (e pathExtractor) Extract(path string) (features.Matrix, error) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, "bad") {
		return features.Matrix{}, errors.Wrapf(audio.ErrUnreadableAudio, "%q", path)
	}
	var label, frames, n int
	if _, err := fmt.Sscanf(base, "%d_%d_%d.wav", &label, &frames, &n); err != nil {
		return features.Matrix{}, errors.Wrapf(audio.ErrUnreadableAudio, "%q: %v", path, err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(base))
	rng := rand.New(rand.NewPCG(h.Sum64(), 0))
	m := features.New(frames, e.dim)
	for ii := range m.Data {
		m.Data[ii] = float32(label) + 0.1*float32(rng.NormFloat64())
	}
	return m, nil
}

// writeList writes a list file in dir with the given utterances, as "key path label".
func writeList(t *testing.T, dir, name string, utts []Utterance) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("# key path label\n\n")
	for _, utt := range utts {
		fmt.Fprintf(&sb, "%s\t%s\t%d\n", utt.Key, utt.Path, utt.Label)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

// makeUtterances creates n utterances with labels in [0, numLabel) and varying lengths.
func makeUtterances(prefix string, n, numLabel int) []Utterance {
	utts := make([]Utterance, n)
	for ii := range utts {
		label := ii % numLabel
		frames := 3 + (ii*5)%20
		utts[ii] = Utterance{
			Key:   fmt.Sprintf("%s%03d", prefix, ii),
			Path:  fmt.Sprintf("wav/%d_%d_%d.wav", label, frames, ii),
			Label: label,
		}
	}
	return utts
}

func TestReadList(t *testing.T) {
	dir := t.TempDir()
	listPath := writeList(t, dir, "tr.list", []Utterance{
		{Key: "a", Path: "wav/a.wav", Label: 0},
		{Key: "b", Path: "/abs/b.wav", Label: 2},
		{Key: "c", Path: "c.wav", Label: 1},
	})
	utts, err := ReadList(listPath, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []Utterance{
		{Key: "a", Path: filepath.Join(dir, "wav", "a.wav"), Label: 0},
		{Key: "b", Path: "/abs/b.wav", Label: 2},
		{Key: "c", Path: filepath.Join(dir, "c.wav"), Label: 1},
	}, utts)

	utts, err = ReadList(listPath, 3, 2)
	require.NoError(t, err)
	assert.Len(t, utts, 2)

	// Label out of range.
	_, err = ReadList(listPath, 2, 0)
	require.Error(t, err)

	// Malformed lines.
	bad := filepath.Join(dir, "bad.list")
	require.NoError(t, os.WriteFile(bad, []byte("a wav/a.wav\n"), 0o644))
	_, err = ReadList(bad, 2, 0)
	require.Error(t, err)
	require.NoError(t, os.WriteFile(bad, []byte("a wav/a.wav x\n"), 0o644))
	_, err = ReadList(bad, 2, 0)
	require.Error(t, err)

	_, err = ReadList(filepath.Join(dir, "missing.list"), 2, 0)
	require.Error(t, err)
}

func testFramer(skipUnreadable bool) *framer.Framer {
	cfg := config.Default()
	cfg.FFT.NMel = testNumMel
	cfg.FFT.MaxFrames = testMaxFrames
	cfg.SkipUnreadable = skipUnreadable
	return framer.New(cfg, pathExtractor{dim: testNumMel})
}

func TestDatasetEpoch(t *testing.T) {
	utts := makeUtterances("utt", 10, 3)
	ds, err := NewDataset(context.Background(), "cv", utts, testFramer(false), 4, testMaxFrames, nil)
	require.NoError(t, err)
	assert.Equal(t, "cv", ds.Name())
	assert.Equal(t, 10, ds.Size())
	assert.Equal(t, 3, ds.NumBatches())

	for epoch := range 2 {
		var batchSizes []int
		labelCounts := make(map[int32]int)
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Nil(t, spec)
			require.Len(t, inputs, 2)
			require.Len(t, labels, 1)
			n := inputs[0].Shape().Dimensions[0]
			batchSizes = append(batchSizes, n)
			assert.Equal(t, []int{n, testMaxFrames, testNumMel}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{n}, inputs[1].Shape().Dimensions)
			assert.Equal(t, []int{n, 1}, labels[0].Shape().Dimensions)

			// Sorted by descending length.
			lengths := tensors.MustCopyFlatData[int32](inputs[1])
			for ii := 1; ii < len(lengths); ii++ {
				assert.GreaterOrEqual(t, lengths[ii-1], lengths[ii])
			}
			for _, l := range tensors.MustCopyFlatData[int32](labels[0]) {
				labelCounts[l]++
			}
		}
		assert.Equal(t, []int{4, 4, 2}, batchSizes, "epoch %d", epoch)
		assert.Equal(t, map[int32]int{0: 4, 1: 3, 2: 3}, labelCounts)
		ds.Reset()
	}
}

func TestDatasetShuffleAndSkip(t *testing.T) {
	utts := makeUtterances("utt", 12, 2)
	utts = append(utts, Utterance{Key: "bad", Path: "wav/bad.wav", Label: 1})

	// Unreadable files abort by default.
	_, err := NewDataset(context.Background(), "train", utts, testFramer(false), 4, testMaxFrames, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, audio.ErrUnreadableAudio))

	ds, err := NewDataset(context.Background(), "train", utts, testFramer(true), 12, testMaxFrames,
		rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, 12, ds.Size())
	assert.Equal(t, "tra", ds.ShortName())

	firstEpoch := slices.Clone(ds.order)
	ds.Reset()
	assert.ElementsMatch(t, firstEpoch, ds.order)
	assert.NotEqual(t, firstEpoch, ds.order)

	_, err = NewDataset(context.Background(), "train", utts, testFramer(true), 0, testMaxFrames, nil)
	require.Error(t, err)
}
