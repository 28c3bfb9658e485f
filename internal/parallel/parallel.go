// Package parallel provides the threading primitive loop-nest kernels run under.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how the threaders split work.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinBlockSize int  // Minimum total work below which gradient splitting is skipped.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinBlockSize: 64,
	}
}

// Kernel is a loop-nest body invoked over sub-ranges of the linearized
// iteration space. outer spans free indices, inner spans reduction
// indices. keep=false starts a fresh accumulation; keep=true continues
// from the values already in the output.
type Kernel func(outerLo, outerHi, innerLo, innerHi int, keep bool)

// Threader splits the outer iteration space [0, outerN) across workers
// and invokes run on each block. Outer blocks write disjoint output
// slices, so they execute concurrently with the caller's keep flag.
//
// When the outer space is too small to split but the reduction space
// [0, innerN) is at least 2*block, the reduction is split instead:
// sequential blocks, the first with the caller's keep flag and the rest
// with keep=true so accumulations compose. The reduction operator must
// be associative for this to be valid.
func Threader(run Kernel, outerN, innerN, block int, keep bool, cfg Config) {
	if block <= 0 {
		block = 1
	}
	work := outerN * max(innerN, 1)
	if !cfg.Enabled || work < block {
		run(0, outerN, 0, innerN, keep)
		return
	}

	if outerN > 1 {
		var wg sync.WaitGroup
		blockSize := max((outerN+cfg.NumWorkers-1)/cfg.NumWorkers, 1)
		for start := 0; start < outerN; start += blockSize {
			end := min(start+blockSize, outerN)
			wg.Add(1)
			go func(s, e int) {
				defer wg.Done()
				run(s, e, 0, innerN, keep)
			}(start, end)
		}
		wg.Wait()
		return
	}

	if innerN >= 2*block {
		// Blocked reduction: sub-ranges compose through the keep flag.
		for start := 0; start < innerN; start += block {
			end := min(start+block, innerN)
			run(0, outerN, start, end, keep || start > 0)
		}
		return
	}

	run(0, outerN, 0, innerN, keep)
}

// GradThreader parallelizes a gradient kernel over its shared axes
// [0, sharedN); non-shared axes stay inside each call, where writes to
// overlapping gradient slices are serialized. innerWork is the number
// of non-shared iterations per shared index.
func GradThreader(run func(sharedLo, sharedHi int), sharedN, innerWork int, cfg Config) {
	if !cfg.Enabled || sharedN < 2 || sharedN*innerWork < cfg.MinBlockSize {
		run(0, sharedN)
		return
	}
	var wg sync.WaitGroup
	blockSize := max((sharedN+cfg.NumWorkers-1)/cfg.NumWorkers, 1)
	for start := 0; start < sharedN; start += blockSize {
		end := min(start+blockSize, sharedN)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			run(s, e)
		}(start, end)
	}
	wg.Wait()
}
