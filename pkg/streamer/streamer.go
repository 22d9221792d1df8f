package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// ErrClientDisconnected wraps sink write failures. It is normal termination,
// not an upstream fault: the pipeline cancels and the caller logs at debug.
var ErrClientDisconnected = errors.New("client disconnected")

// Sink abstracts the HTTP response body writer. Write delivers bytes; Drain
// flushes buffered bytes through to the socket so the pipeline cannot outrun
// a slow client.
type Sink interface {
	Write(p []byte) (int, error)
	Drain() error
}

// Streamer translates byte ranges over remote objects into ordered block
// fetches and writes the requested bytes to a sink. One Streamer serves many
// concurrent requests; per-request state lives on the stack of Stream.
type Streamer struct {
	store upstream.Store
	log   *logging.Logger

	mu     sync.RWMutex
	params Params
}

// New creates a Streamer over the given upstream store
func New(store upstream.Store, params Params, log *logging.Logger) (*Streamer, error) {
	if store == nil {
		return nil, fmt.Errorf("upstream store is required")
	}
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid streaming params: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Streamer{
		store:  store,
		params: params,
		log:    log.WithComponent("streamer"),
	}, nil
}

// SetParams replaces the tuning parameters for subsequent streams. In-flight
// streams keep the parameters they started with.
func (s *Streamer) SetParams(params Params) error {
	params = params.withDefaults()
	if err := params.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
	return nil
}

// Stream writes the bytes [offset, limit] of the object to the sink. Both
// bounds are inclusive; the caller must have validated them against the
// object size (0 <= offset <= limit < size).
//
// Blocks arrive from the multiplexer in ascending order; the first block is
// trimmed by offset mod blocksize, the last is truncated to the remaining
// byte count, and every DrainEvery writes the sink is drained so that the
// buffer bound, not the socket, is the only queue in the pipeline.
func (s *Streamer) Stream(ctx context.Context, locator upstream.ObjectLocator, offset, limit int64, sink Sink) error {
	if offset < 0 || limit < offset {
		return fmt.Errorf("invalid range: offset=%d limit=%d", offset, limit)
	}
	if sink == nil {
		return fmt.Errorf("sink is required")
	}

	length := limit - offset + 1
	s.mu.RLock()
	params := s.params.sized(length)
	s.mu.RUnlock()

	startBlock := offset / params.BlockSize
	endBlock := limit / params.BlockSize
	headCut := offset % params.BlockSize
	remaining := length

	s.log.Debug("stream start", map[string]interface{}{
		"locator":     locator.String(),
		"offset":      offset,
		"limit":       limit,
		"start_block": startBlock,
		"end_block":   endBlock,
		"workers":     params.MaxWorkers,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newMultiplexer(s.store, locator, startBlock, endBlock, params, s.log)
	m.Start(ctx)
	defer m.Close()

	writes := 0
	for index := startBlock; index <= endBlock && remaining > 0; index++ {
		_, data, err := m.Next(ctx)
		if err != nil {
			return err
		}

		if index == startBlock && headCut > 0 {
			if int64(len(data)) <= headCut {
				return fmt.Errorf("%w: block %d shorter than head cut %d", ErrUpstreamFailed, index, headCut)
			}
			data = data[headCut:]
		}
		if int64(len(data)) > remaining {
			data = data[:remaining]
		}

		n, err := sink.Write(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
		}
		remaining -= int64(n)

		writes++
		if writes%params.DrainEvery == 0 {
			if err := sink.Drain(); err != nil {
				return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
			}
		}
	}

	if remaining > 0 {
		return fmt.Errorf("%w: stream ended %d bytes short", ErrUpstreamFailed, remaining)
	}
	if err := sink.Drain(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
	}
	return nil
}
