// Package streamer implements the streaming pipeline: a parallel block-fetch
// engine with ordered delivery and bounded buffering, and the range streamer
// that trims block-aligned reads to exact byte boundaries while writing to a
// slow or bursty sink.
package streamer

import (
	"fmt"

	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// workerSpanBytes is the request length served per additional worker. Small
// requests get a single worker: download managers issue many small parallel
// range requests, and fanning each one out multiplies upstream load without
// improving latency.
const workerSpanBytes = 50 << 20

// Params tunes the streaming pipeline. Zero values are replaced by defaults.
type Params struct {
	// BlockSize of the upstream store's sequential read API.
	BlockSize int64

	// MaxWorkers caps per-request fetch concurrency (W).
	MaxWorkers int

	// BatchBlocks is the number of consecutive blocks fetched per
	// upstream call (K). Larger batches reduce upstream RPCs; smaller
	// batches reduce head-of-line latency.
	BatchBlocks int

	// BufferBlocks is the maximum number of ready-but-unconsumed blocks
	// held in memory (M). Peak buffer is BufferBlocks*BlockSize.
	BufferBlocks int

	// MaxRetries bounds attempts per batch before the stream fails.
	MaxRetries int

	// DrainEvery flushes the sink after this many writes to apply
	// backpressure.
	DrainEvery int
}

// DefaultParams returns the canonical tuning values
func DefaultParams() Params {
	return Params{
		BlockSize:    upstream.BlockSize,
		MaxWorkers:   4,
		BatchBlocks:  4,
		BufferBlocks: 16,
		MaxRetries:   5,
		DrainEvery:   6,
	}
}

// Validate checks the parameters for consistency
func (p Params) Validate() error {
	if p.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", p.BlockSize)
	}
	if p.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", p.MaxWorkers)
	}
	if p.BatchBlocks <= 0 {
		return fmt.Errorf("batch blocks must be positive, got %d", p.BatchBlocks)
	}
	if p.BufferBlocks < p.BatchBlocks {
		return fmt.Errorf("buffer blocks (%d) must be >= batch blocks (%d)", p.BufferBlocks, p.BatchBlocks)
	}
	if p.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", p.MaxRetries)
	}
	if p.DrainEvery <= 0 {
		return fmt.Errorf("drain every must be positive, got %d", p.DrainEvery)
	}
	return nil
}

// withDefaults fills zero fields from DefaultParams
func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.BlockSize == 0 {
		p.BlockSize = def.BlockSize
	}
	if p.MaxWorkers == 0 {
		p.MaxWorkers = def.MaxWorkers
	}
	if p.BatchBlocks == 0 {
		p.BatchBlocks = def.BatchBlocks
	}
	if p.BufferBlocks == 0 {
		p.BufferBlocks = def.BufferBlocks
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.DrainEvery == 0 {
		p.DrainEvery = def.DrainEvery
	}
	return p
}

// sized derives per-request tuning from the requested length. Worker count
// grows one per 50 MiB up to MaxWorkers; batch and buffer sizes shrink as
// workers grow so that peak memory stays roughly constant.
func (p Params) sized(length int64) Params {
	out := p
	workers := 1
	if length > workerSpanBytes {
		workers = int((length + workerSpanBytes - 1) / workerSpanBytes)
		if workers > p.MaxWorkers {
			workers = p.MaxWorkers
		}
	}
	out.MaxWorkers = workers
	if workers > 1 {
		out.BatchBlocks = maxInt(2, p.BatchBlocks/2)
		out.BufferBlocks = maxInt(8, p.BufferBlocks/workers)
	}
	if out.BufferBlocks < out.BatchBlocks {
		out.BufferBlocks = out.BatchBlocks
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
