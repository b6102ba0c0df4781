package finetune

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlateau(t *testing.T) {
	p := NewPlateau(1e-3, 0.85, 2)
	steps := []struct {
		loss    float64
		lr      float64
		reduced bool
	}{
		{1.0, 1e-3, false},
		{0.9, 1e-3, false},     // Improved.
		{0.95, 1e-3, false},    // 1 bad epoch.
		{0.89995, 1e-3, false}, // Within the threshold: 2 bad epochs.
		{0.91, 0.85e-3, true},  // 3 bad epochs > patience.
		{0.92, 0.85e-3, false}, // Counter was reset.
		{0.5, 0.85e-3, false},  // Improved.
	}
	for ii, step := range steps {
		lr, reduced := p.Step(step.loss)
		assert.InDelta(t, step.lr, lr, 1e-12, "step %d", ii)
		assert.Equal(t, step.reduced, reduced, "step %d", ii)
	}
	assert.InDelta(t, 0.85e-3, p.LearningRate(), 1e-12)
}

func TestPlateauZeroPatienceAndBounds(t *testing.T) {
	p := NewPlateau(1.0, 0.5, 0)
	p.MinLR = 0.3
	lr, reduced := p.Step(1)
	assert.False(t, reduced)
	assert.Equal(t, 1.0, lr)

	lr, reduced = p.Step(1)
	assert.True(t, reduced)
	assert.Equal(t, 0.5, lr)

	lr, reduced = p.Step(math.NaN())
	assert.True(t, reduced)
	assert.Equal(t, 0.3, lr)

	// Already at the minimum.
	lr, reduced = p.Step(2)
	assert.False(t, reduced)
	assert.Equal(t, 0.3, lr)
}
