package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// Retry policy for transient upstream failures
const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// ErrUpstreamFailed signals that a batch could not be fetched after the
// maximum number of retries; the whole stream fails with it.
var ErrUpstreamFailed = errors.New("upstream fetch failed after retries")

// errMultiplexerClosed is returned by Next after Close
var errMultiplexerClosed = errors.New("multiplexer closed")

// batch is a run of consecutive block indices fetched by one upstream call
type batch struct {
	start int64
	end   int64 // inclusive
}

// multiplexer drives W concurrent fetchers against disjoint block batches
// and re-serializes their output into ascending block index order. The
// ordered buffer holds at most BufferBlocks entries: a worker suspends while
// its block is BufferBlocks or more ahead of the consumer, so the block the
// consumer is waiting for can always be deposited no matter which workers
// filled the buffer first.
//
// Ownership: a multiplexer belongs to exactly one stream. Its workers and
// buffer are torn down by Close or by cancellation of the context passed to
// Start.
type multiplexer struct {
	store      upstream.Store
	locator    upstream.ObjectLocator
	startBlock int64
	endBlock   int64
	params     Params
	log        *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	buffer map[int64][]byte
	next   int64
	failed error
	closed bool

	batches chan batch
	wg      sync.WaitGroup

	// sleep is replaceable so retry timing can be observed in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func newMultiplexer(store upstream.Store, locator upstream.ObjectLocator, startBlock, endBlock int64, params Params, log *logging.Logger) *multiplexer {
	m := &multiplexer{
		store:      store,
		locator:    locator,
		startBlock: startBlock,
		endBlock:   endBlock,
		params:     params,
		log:        log,
		buffer:     make(map[int64][]byte),
		next:       startBlock,
		sleep:      sleepContext,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start partitions the block range into batches and spawns the workers.
// Cancellation of ctx aborts all workers and wakes a blocked consumer.
func (m *multiplexer) Start(ctx context.Context) {
	total := m.endBlock - m.startBlock + 1
	batchCount := (total + int64(m.params.BatchBlocks) - 1) / int64(m.params.BatchBlocks)

	m.batches = make(chan batch, batchCount)
	for i := m.startBlock; i <= m.endBlock; i += int64(m.params.BatchBlocks) {
		end := i + int64(m.params.BatchBlocks) - 1
		if end > m.endBlock {
			end = m.endBlock
		}
		m.batches <- batch{start: i, end: end}
	}
	close(m.batches)

	workers := m.params.MaxWorkers
	if int64(workers) > batchCount {
		workers = int(batchCount)
	}
	for w := 0; w < workers; w++ {
		m.wg.Add(1)
		go m.worker(ctx, w)
	}

	// Wake anything blocked on the condition variable when the request is
	// cancelled, so teardown is not gated on buffer progress.
	go func() {
		<-ctx.Done()
		m.fail(ctx.Err())
	}()
}

// Next yields the next block in strictly ascending index order. It blocks
// until the block is present, the multiplexer fails, or ctx is cancelled.
func (m *multiplexer) Next(ctx context.Context) (int64, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if data, ok := m.buffer[m.next]; ok {
			index := m.next
			delete(m.buffer, index)
			m.next++
			m.cond.Broadcast()
			return index, data, nil
		}
		if m.failed != nil {
			return 0, nil, m.failed
		}
		if m.closed {
			return 0, nil, errMultiplexerClosed
		}
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		m.cond.Wait()
	}
}

// Close aborts all workers, waits for them to exit, and flushes the buffer
func (m *multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.buffer = make(map[int64][]byte)
	m.mu.Unlock()
}

func (m *multiplexer) fail(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if m.failed == nil {
		m.failed = err
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *multiplexer) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	for b := range m.batches {
		if m.aborted() {
			return
		}
		if err := m.fetchBatch(ctx, b); err != nil {
			if ctx.Err() == nil {
				m.log.Warn("batch fetch failed", map[string]interface{}{
					"worker": id,
					"start":  b.start,
					"end":    b.end,
					"error":  err.Error(),
				})
			}
			m.fail(err)
			return
		}
	}
}

func (m *multiplexer) aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || m.failed != nil
}

// fetchBatch fetches one batch with the upstream retry policy: rate limits
// sleep for the advertised interval, transient failures back off
// exponentially, and anything else aborts immediately.
func (m *multiplexer) fetchBatch(ctx context.Context, b batch) error {
	var lastErr error
	for attempt := 0; attempt < m.params.MaxRetries; attempt++ {
		err := m.fetchBatchOnce(ctx, b)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		switch upstream.CodeOf(err) {
		case upstream.ErrCodeRateLimited:
			wait := upstream.RetryAfterOf(err)
			if wait <= 0 {
				wait = time.Second
			}
			m.log.Debug("rate limited by upstream", map[string]interface{}{
				"batch_start": b.start,
				"retry_after": wait.String(),
			})
			if serr := m.sleep(ctx, wait); serr != nil {
				return serr
			}
		case upstream.ErrCodeTransient:
			backoff := retryBaseDelay << uint(attempt)
			if backoff > retryMaxDelay {
				backoff = retryMaxDelay
			}
			if serr := m.sleep(ctx, backoff); serr != nil {
				return serr
			}
		default:
			// NOT_FOUND, FATAL and unclassified errors are not retried
			return err
		}
	}
	return fmt.Errorf("%w: batch [%d, %d]: %v", ErrUpstreamFailed, b.start, b.end, lastErr)
}

// fetchBatchOnce performs a single upstream call for the batch, splits the
// returned byte stream into exactly (end-start+1) blocks, and deposits them.
// The final block of the object may be shorter than BlockSize.
func (m *multiplexer) fetchBatchOnce(ctx context.Context, b batch) error {
	count := int(b.end - b.start + 1)
	reader, err := m.store.ReadBlocks(ctx, m.locator, b.start, count)
	if err != nil {
		return err
	}
	defer reader.Close()

	acc := make([]byte, 0, int64(count)*m.params.BlockSize)
	for {
		frag, err := reader.Next()
		if len(frag) > 0 {
			acc = append(acc, frag...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	cursor := int64(0)
	for idx := b.start; idx <= b.end; idx++ {
		end := cursor + m.params.BlockSize
		if end > int64(len(acc)) {
			end = int64(len(acc))
		}
		if cursor >= end {
			break // object ended before this block
		}
		// Copy out of the batch accumulator so a block lingering in the
		// buffer does not pin the whole batch allocation.
		blockData := append([]byte(nil), acc[cursor:end]...)
		cursor = end
		if err := m.deposit(idx, blockData); err != nil {
			return err
		}
	}
	return nil
}

// deposit places one block in the ordered buffer, suspending while the block
// is outside the consumer's window [next, next+BufferBlocks). Gating on the
// window rather than on occupancy keeps the buffer at BufferBlocks entries
// while guaranteeing the head block is always admittable: gating on occupancy
// alone deadlocks when workers ahead of a slow head batch fill every slot,
// since the consumer then waits on a block whose worker cannot deposit it.
// The buffer never holds the same index twice: batches are disjoint and a
// batch is fetched by exactly one worker.
func (m *multiplexer) deposit(index int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for index-m.next >= int64(m.params.BufferBlocks) && m.failed == nil && !m.closed {
		m.cond.Wait()
	}
	if m.failed != nil {
		return m.failed
	}
	if m.closed {
		return errMultiplexerClosed
	}
	m.buffer[index] = data
	m.cond.Broadcast()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
