package streamer

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

// testBlockSize keeps test objects small while still spanning many blocks
const testBlockSize = 1024

// testObject builds a deterministic byte pattern so any misordered,
// duplicated or trimmed byte is detectable by content
func testObject(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*31 + 7) % 251)
	}
	return data
}

// fakeStore serves blocks from an in-memory object. failFn, when set, is
// consulted once per ReadBlocks call and may inject an error keyed on the
// batch start block and the attempt number for that batch.
type fakeStore struct {
	data   []byte
	jitter time.Duration

	mu       sync.Mutex
	attempts map[int64]int
	failFn   func(startBlock int64, attempt int) error
	delayFn  func(startBlock int64) time.Duration
	calls    int
}

func newFakeStore(data []byte) *fakeStore {
	return &fakeStore{data: data, attempts: make(map[int64]int)}
}

func (s *fakeStore) LookupObject(_ context.Context, _ upstream.ObjectLocator) (*upstream.ObjectInfo, error) {
	return &upstream.ObjectInfo{Size: int64(len(s.data)), MIMEType: "application/octet-stream"}, nil
}

func (s *fakeStore) ReadBlocks(ctx context.Context, _ upstream.ObjectLocator, startBlock int64, blockCount int) (upstream.BlockReader, error) {
	s.mu.Lock()
	s.calls++
	attempt := s.attempts[startBlock]
	s.attempts[startBlock] = attempt + 1
	failFn := s.failFn
	s.mu.Unlock()

	if failFn != nil {
		if err := failFn(startBlock, attempt); err != nil {
			return nil, err
		}
	}
	if s.delayFn != nil {
		if d := s.delayFn(startBlock); d > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
	}
	if s.jitter > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(s.jitter)))):
		}
	}

	offset := startBlock * testBlockSize
	end := offset + int64(blockCount)*testBlockSize
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if offset > end {
		offset = end
	}
	return &fakeReader{data: s.data[offset:end]}, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeReader yields the payload in deliberately awkward fragment sizes to
// exercise reassembly across fragment boundaries
type fakeReader struct {
	data []byte
	pos  int
}

func (r *fakeReader) Next() ([]byte, error) {
	if r.pos >= len(r.data) {
		return nil, io.EOF
	}
	frag := 333
	if r.pos+frag > len(r.data) {
		frag = len(r.data) - r.pos
	}
	out := r.data[r.pos : r.pos+frag]
	r.pos += frag
	return out, nil
}

func (r *fakeReader) Close() error { return nil }

func testParams() Params {
	return Params{
		BlockSize:    testBlockSize,
		MaxWorkers:   4,
		BatchBlocks:  2,
		BufferBlocks: 8,
		MaxRetries:   5,
		DrainEvery:   6,
	}
}

func collectBlocks(t *testing.T, m *multiplexer, startBlock, endBlock int64) []byte {
	t.Helper()
	var out []byte
	prev := startBlock - 1
	for i := startBlock; i <= endBlock; i++ {
		index, data, err := m.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, prev+1, index, "blocks must arrive in ascending order")
		prev = index
		out = append(out, data...)
	}
	return out
}

func TestMultiplexerOrderedDelivery(t *testing.T) {
	object := testObject(37*testBlockSize + 115) // short final block
	store := newFakeStore(object)
	store.jitter = 3 * time.Millisecond

	m := newMultiplexer(store, upstream.ObjectLocator{ChatID: 1, MessageID: 2}, 0, 37, testParams(), logging.Nop())
	m.Start(context.Background())
	defer m.Close()

	got := collectBlocks(t, m, 0, 37)
	assert.Equal(t, object, got)
}

func TestMultiplexerPartialRange(t *testing.T) {
	object := testObject(64 * testBlockSize)
	store := newFakeStore(object)

	// Blocks 10 through 25 only.
	m := newMultiplexer(store, upstream.ObjectLocator{}, 10, 25, testParams(), logging.Nop())
	m.Start(context.Background())
	defer m.Close()

	got := collectBlocks(t, m, 10, 25)
	assert.Equal(t, object[10*testBlockSize:26*testBlockSize], got)
}

func TestMultiplexerRateLimitedRetry(t *testing.T) {
	object := testObject(4 * testBlockSize)
	store := newFakeStore(object)
	store.failFn = func(startBlock int64, attempt int) error {
		if startBlock == 2 && attempt == 0 {
			return upstream.NewRateLimited(1500 * time.Millisecond)
		}
		return nil
	}

	var sleeps []time.Duration
	var sleepMu sync.Mutex

	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 3, testParams(), logging.Nop())
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleepMu.Lock()
		sleeps = append(sleeps, d)
		sleepMu.Unlock()
		return nil
	}
	m.Start(context.Background())
	defer m.Close()

	got := collectBlocks(t, m, 0, 3)
	assert.Equal(t, object, got)

	sleepMu.Lock()
	defer sleepMu.Unlock()
	require.Len(t, sleeps, 1, "exactly one retry sleep expected")
	assert.Equal(t, 1500*time.Millisecond, sleeps[0], "sleep must honor the upstream retry-after hint")
}

func TestMultiplexerTransientBackoff(t *testing.T) {
	object := testObject(2 * testBlockSize)
	store := newFakeStore(object)
	store.failFn = func(startBlock int64, attempt int) error {
		if attempt < 3 {
			return upstream.NewTransient("connection reset", nil)
		}
		return nil
	}

	var sleeps []time.Duration
	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 1, testParams(), logging.Nop())
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	m.Start(context.Background())
	defer m.Close()

	got := collectBlocks(t, m, 0, 1)
	assert.Equal(t, object, got)
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}, sleeps, "transient backoff doubles from the base delay")
}

func TestMultiplexerBackoffCapped(t *testing.T) {
	object := testObject(testBlockSize)
	store := newFakeStore(object)
	store.failFn = func(_ int64, attempt int) error {
		if attempt < 6 {
			return upstream.NewTransient("flaky", nil)
		}
		return nil
	}

	var sleeps []time.Duration
	params := testParams()
	params.MaxRetries = 7
	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 0, params, logging.Nop())
	m.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	m.Start(context.Background())
	defer m.Close()

	collectBlocks(t, m, 0, 0)
	require.Len(t, sleeps, 6)
	assert.Equal(t, 5*time.Second, sleeps[5], "backoff must cap at the maximum delay")
}

func TestMultiplexerRetriesExhausted(t *testing.T) {
	object := testObject(2 * testBlockSize)
	store := newFakeStore(object)
	store.failFn = func(_ int64, _ int) error {
		return upstream.NewTransient("always down", nil)
	}

	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 1, testParams(), logging.Nop())
	m.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	m.Start(context.Background())
	defer m.Close()

	_, _, err := m.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamFailed))
}

func TestMultiplexerNotFoundNotRetried(t *testing.T) {
	object := testObject(2 * testBlockSize)
	store := newFakeStore(object)
	store.failFn = func(_ int64, _ int) error {
		return upstream.NewNotFound("message deleted")
	}

	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 1, testParams(), logging.Nop())
	m.Start(context.Background())
	defer m.Close()

	_, _, err := m.Next(context.Background())
	require.Error(t, err)
	assert.True(t, upstream.IsNotFound(err))
	assert.Equal(t, 1, store.callCount(), "NOT_FOUND must not be retried")
}

func TestMultiplexerBufferBound(t *testing.T) {
	params := testParams()
	params.BufferBlocks = 4
	params.BatchBlocks = 2

	object := testObject(40 * testBlockSize)
	store := newFakeStore(object)

	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 39, params, logging.Nop())
	m.Start(context.Background())
	defer m.Close()

	// Let workers fill the buffer while nothing consumes.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		buffered := len(m.buffer)
		m.mu.Unlock()
		require.LessOrEqual(t, buffered, params.BufferBlocks,
			"ordered buffer must never exceed its configured bound")
		time.Sleep(10 * time.Millisecond)
	}

	got := collectBlocks(t, m, 0, 39)
	assert.Equal(t, object, got)
}

func TestMultiplexerSlowHeadBatch(t *testing.T) {
	// Only the batch holding block 0 is slow. The other workers race ahead
	// and fill the buffer; delivery must still make progress once the head
	// block arrives, with every block in order.
	object := testObject(20 * testBlockSize)
	store := newFakeStore(object)
	store.delayFn = func(startBlock int64) time.Duration {
		if startBlock == 0 {
			return 300 * time.Millisecond
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 19, testParams(), logging.Nop())
	m.Start(ctx)
	defer m.Close()

	var got []byte
	for i := int64(0); i <= 19; i++ {
		index, data, err := m.Next(ctx)
		require.NoError(t, err, "delivery must not stall behind a slow head batch")
		require.Equal(t, i, index)
		got = append(got, data...)
	}
	assert.Equal(t, object, got)
}

func TestMultiplexerCancellation(t *testing.T) {
	object := testObject(100 * testBlockSize)
	store := newFakeStore(object)
	store.jitter = 5 * time.Millisecond

	params := testParams()
	params.BufferBlocks = 2

	ctx, cancel := context.WithCancel(context.Background())
	m := newMultiplexer(store, upstream.ObjectLocator{}, 0, 99, params, logging.Nop())
	m.Start(ctx)

	// Consume a few blocks, then abandon the stream.
	for i := 0; i < 3; i++ {
		_, _, err := m.Next(ctx)
		require.NoError(t, err)
	}
	cancel()

	// Next must unblock promptly with the cancellation.
	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := m.Next(ctx); err != nil {
				done <- err
				return
			}
		}
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not observe cancellation")
	}

	// Close must not deadlock on suspended workers.
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not reap workers after cancellation")
	}
}
