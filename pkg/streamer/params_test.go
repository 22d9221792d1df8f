package streamer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.BlockSize = 0
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.MaxWorkers = -1
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.BufferBlocks = p.BatchBlocks - 1
	assert.Error(t, p.Validate())

	p = DefaultParams()
	p.DrainEvery = 0
	assert.Error(t, p.Validate())
}

func TestParamsWithDefaults(t *testing.T) {
	p := Params{}.withDefaults()
	assert.Equal(t, DefaultParams(), p)

	p = Params{MaxWorkers: 2}.withDefaults()
	assert.Equal(t, 2, p.MaxWorkers)
	assert.Equal(t, DefaultParams().BlockSize, p.BlockSize)
}

func TestParamsSized(t *testing.T) {
	base := DefaultParams()

	cases := []struct {
		name        string
		length      int64
		wantWorkers int
	}{
		{"tiny request", 1024, 1},
		{"exactly one span", workerSpanBytes, 1},
		{"just over one span", workerSpanBytes + 1, 2},
		{"three spans", 3 * workerSpanBytes, 3},
		{"huge request capped", 100 * workerSpanBytes, base.MaxWorkers},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sized := base.sized(tc.length)
			assert.Equal(t, tc.wantWorkers, sized.MaxWorkers)
			assert.GreaterOrEqual(t, sized.BufferBlocks, sized.BatchBlocks,
				"buffer must stay at least one batch")
		})
	}

	// Single-worker requests keep the configured batch and buffer sizes.
	sized := base.sized(1024)
	assert.Equal(t, base.BatchBlocks, sized.BatchBlocks)
	assert.Equal(t, base.BufferBlocks, sized.BufferBlocks)

	// Multi-worker requests shrink both to hold peak memory roughly flat.
	sized = base.sized(100 * workerSpanBytes)
	assert.Equal(t, 2, sized.BatchBlocks)
	assert.Equal(t, 8, sized.BufferBlocks)
}
