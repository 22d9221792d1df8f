package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:     baseURL,
		AccessToken: "test-token",
		Timeout:     5 * time.Second,
		PoolSize:    4,
	}, nil)
	require.NoError(t, err)
	return c
}

func drainReader(t *testing.T, r BlockReader) []byte {
	t.Helper()
	defer r.Close()
	var out []byte
	for {
		frag, err := r.Next()
		out = append(out, frag...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func TestClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{}, nil)
	assert.Error(t, err)
}

func TestLookupObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/77/1234", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(ObjectInfo{
			Size:     1500000,
			MIMEType: "video/mp4",
			FileName: "movie.mp4",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	info, err := c.LookupObject(context.Background(), ObjectLocator{ChatID: 77, MessageID: 1234})
	require.NoError(t, err)
	assert.Equal(t, int64(1500000), info.Size)
	assert.Equal(t, "video/mp4", info.MIMEType)
	assert.Equal(t, "movie.mp4", info.FileName)
}

func TestLookupObjectNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such object", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.LookupObject(context.Background(), ObjectLocator{ChatID: 1, MessageID: 2})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestLookupObjectRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.LookupObject(context.Background(), ObjectLocator{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRateLimited, CodeOf(err))
	assert.Equal(t, 17*time.Second, RetryAfterOf(err))
}

func TestLookupObjectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.LookupObject(context.Background(), ObjectLocator{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeTransient, CodeOf(err))
}

func TestLookupObjectClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.LookupObject(context.Background(), ObjectLocator{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeFatal, CodeOf(err))
}

func TestReadBlocks(t *testing.T) {
	payload := make([]byte, 200_000)
	for i := range payload {
		payload[i] = byte(i % 253)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/77/1234/read", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("offset"))
		assert.Equal(t, "4", r.URL.Query().Get("limit"))
		w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reader, err := c.ReadBlocks(context.Background(), ObjectLocator{ChatID: 77, MessageID: 1234}, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, payload, drainReader(t, reader))
}

func TestReadBlocksValidation(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")

	_, err := c.ReadBlocks(context.Background(), ObjectLocator{}, -1, 1)
	assert.Equal(t, ErrCodeFatal, CodeOf(err))

	_, err = c.ReadBlocks(context.Background(), ObjectLocator{}, 0, 0)
	assert.Equal(t, ErrCodeFatal, CodeOf(err))
}

func TestReadBlocksCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ReadBlocks(ctx, ObjectLocator{}, 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyTransportErrorCancellation(t *testing.T) {
	// The http client wraps cancellation in *url.Error, which itself may
	// wrap further; classification must still surface the sentinel rather
	// than mislabel the error as transient.
	wrapped := &url.Error{Op: "Get", URL: "http://upstream/objects/1/2", Err: fmt.Errorf("round trip: %w", context.Canceled)}
	assert.Equal(t, context.Canceled, classifyTransportError("read", wrapped))

	expired := &url.Error{Op: "Get", URL: "http://upstream/objects/1/2", Err: fmt.Errorf("round trip: %w", context.DeadlineExceeded)}
	assert.Equal(t, context.DeadlineExceeded, classifyTransportError("lookup", expired))

	flaky := &url.Error{Op: "Get", URL: "http://upstream/objects/1/2", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, ErrCodeTransient, CodeOf(classifyTransportError("read", flaky)))
}

func TestUpstreamErrorHelpers(t *testing.T) {
	rate := NewRateLimited(3 * time.Second)
	assert.Equal(t, ErrCodeRateLimited, CodeOf(rate))
	assert.Equal(t, 3*time.Second, RetryAfterOf(rate))

	transient := NewTransient("flaky", io.ErrUnexpectedEOF)
	assert.Equal(t, ErrCodeTransient, CodeOf(transient))
	assert.ErrorIs(t, transient, io.ErrUnexpectedEOF)
	assert.Equal(t, time.Duration(0), RetryAfterOf(transient))

	assert.Equal(t, "", CodeOf(io.EOF))
	assert.False(t, IsNotFound(io.EOF))
	assert.True(t, IsNotFound(NewNotFound("gone")))
}
