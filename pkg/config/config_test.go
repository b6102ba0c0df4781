package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8000, cfg.FFT.SampleRate)
	assert.Equal(t, 24, cfg.FFT.NMel)
	assert.Equal(t, 25.0, cfg.FFT.FrameLengthMs)
	assert.Equal(t, 10.0, cfg.FFT.FrameShiftMs)
	assert.Equal(t, 192, cfg.FFT.MaxFrames)
	assert.Equal(t, filepath.Join("ckpt", "finetune"), cfg.CheckpointPath())

	opts, err := cfg.FbankOptions()
	require.NoError(t, err)
	assert.Equal(t, 200, opts.WindowSize())
	assert.Equal(t, 24, opts.NumMelBins)

	params := cfg.ContextParams()
	assert.Equal(t, cfg.LR, params[optimizers.ParamLearningRate])
	assert.Equal(t, 64, params["batch_size"])
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"sample_rate": func(c *Config) { c.FFT.SampleRate = 0 },
		"n_mel":       func(c *Config) { c.FFT.NMel = 0 },
		"max_frames":  func(c *Config) { c.FFT.MaxFrames = 0 },
		"batch_size":  func(c *Config) { c.BatchSize = -1 },
		"num_label":   func(c *Config) { c.NumLabel = 1 },
		"lr":          func(c *Config) { c.LR = 0 },
		"lr_factor":   func(c *Config) { c.LRFactor = 1.5 },
		"frame_shift": func(c *Config) { c.FFT.FrameShiftMs = 0.01 },
	} {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "invalid %s should fail validation", name)
	}
}

func TestLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "finetune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fft:
  n_mel: 40
  sample_rate: 16000
num_label: 6
pretrain:
  ckpt: /models/sed
tr: data/tr.list
`), 0o644))

	cfg, err := Loader{Path: path, Lookup: envMap(map[string]string{
		"KWS_BATCH_SIZE": "32",
		"KWS_LR":         "0.01",
		"KWS_DRY_RUN":    "true",
		"KWS_CV":         " data/cv.list ",
		"KWS_N_MEL":      "",
	})}.Load()
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.FFT.NMel)
	assert.Equal(t, 16000, cfg.FFT.SampleRate)
	assert.Equal(t, 192, cfg.FFT.MaxFrames)
	assert.Equal(t, 6, cfg.NumLabel)
	assert.Equal(t, "/models/sed", cfg.Pretrain.Ckpt)
	assert.Equal(t, 4, cfg.Pretrain.NumLabel)
	assert.Equal(t, "data/tr.list", cfg.Tr)
	assert.Equal(t, "data/cv.list", cfg.CV)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 0.01, cfg.LR)
	assert.True(t, cfg.DryRun)

	_, err = Loader{Lookup: envMap(map[string]string{"KWS_BATCH_SIZE": "many"})}.Load()
	require.Error(t, err)

	_, err = Loader{Lookup: envMap(map[string]string{"KWS_BATCH_SIZE": "0"})}.Load()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("unknown_field: 1\n"), 0o644))
	_, err = Loader{Path: path, Lookup: envMap(nil)}.Load()
	require.Error(t, err)

	_, err = Loader{Path: filepath.Join(dir, "missing.yaml"), Lookup: envMap(nil)}.Load()
	require.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.NumLabel = 10
	cfg.Tr = "tr.list"
	var buf bytes.Buffer
	require.NoError(t, EncodeYAML(&buf, cfg))

	var decoded Config
	require.NoError(t, DecodeYAML(&buf, &decoded))
	assert.Equal(t, cfg, decoded)
}
