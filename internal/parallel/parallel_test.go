package parallel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestThreaderOuterSplit: outer blocks tile [0, outerN) exactly once,
// all carrying the caller's keep flag.
func TestThreaderOuterSplit(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinBlockSize: 1}
	var mu sync.Mutex
	covered := make([]int, 64)

	Threader(func(oLo, oHi, iLo, iHi int, keep bool) {
		assert.False(t, keep)
		assert.Equal(t, 0, iLo)
		assert.Equal(t, 5, iHi)
		mu.Lock()
		for o := oLo; o < oHi; o++ {
			covered[o]++
		}
		mu.Unlock()
	}, 64, 5, 1, false, cfg)

	for o, n := range covered {
		assert.Equal(t, 1, n, "outer %d", o)
	}
}

// TestThreaderReductionSplit: with a single outer iteration and a long
// reduction, blocks run in order and compose through keep.
func TestThreaderReductionSplit(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinBlockSize: 1}
	type block struct {
		iLo, iHi int
		keep     bool
	}
	var blocks []block

	Threader(func(oLo, oHi, iLo, iHi int, keep bool) {
		blocks = append(blocks, block{iLo, iHi, keep})
	}, 1, 100, 25, false, cfg)

	require.Len(t, blocks, 4)
	assert.Equal(t, block{0, 25, false}, blocks[0])
	assert.Equal(t, block{25, 50, true}, blocks[1])
	assert.Equal(t, block{50, 75, true}, blocks[2])
	assert.Equal(t, block{75, 100, true}, blocks[3])
}

// TestThreaderKeepPropagates: a caller-set keep flag survives the first
// reduction block.
func TestThreaderKeepPropagates(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 2, MinBlockSize: 1}
	var first bool

	Threader(func(oLo, oHi, iLo, iHi int, keep bool) {
		if iLo == 0 {
			first = keep
		} else {
			assert.True(t, keep)
		}
	}, 1, 40, 10, true, cfg)
	assert.True(t, first)
}

// TestThreaderSmallWorkStaysSerial: below the block threshold nothing
// splits.
func TestThreaderSmallWorkStaysSerial(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 8, MinBlockSize: 1}
	calls := 0
	Threader(func(oLo, oHi, iLo, iHi int, keep bool) {
		calls++
		assert.Equal(t, 0, oLo)
		assert.Equal(t, 3, oHi)
	}, 3, 2, 100, false, cfg)
	assert.Equal(t, 1, calls)
}

func TestGradThreaderCoversSharedRange(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinBlockSize: 1}
	var mu sync.Mutex
	covered := make([]int, 32)

	GradThreader(func(sLo, sHi int) {
		mu.Lock()
		for s := sLo; s < sHi; s++ {
			covered[s]++
		}
		mu.Unlock()
	}, 32, 10, cfg)

	for s, n := range covered {
		assert.Equal(t, 1, n, "shared %d", s)
	}
}
