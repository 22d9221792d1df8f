package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
)

// readFragmentSize is the fragment granularity handed to consumers while
// draining a block read response.
const readFragmentSize = 64 * 1024

// ClientConfig holds connection settings for the upstream store API
type ClientConfig struct {
	// BaseURL of the upstream object store API.
	BaseURL string

	// AccessToken authenticates this process against the store.
	AccessToken string

	// Timeout applies to metadata lookups. Block reads have no overall
	// deadline (a slow consumer legitimately keeps a read open); they are
	// bounded by the request context instead.
	Timeout time.Duration

	// PoolSize bounds the connection pool shared by all requests. When
	// the pool is exhausted, new calls queue.
	PoolSize int
}

// Client is an HTTP implementation of Store against the upstream object
// store API. All requests share one pooled transport; the client is safe for
// concurrent use and is injected into every fetcher rather than held as a
// process-wide singleton.
type Client struct {
	config ClientConfig
	http   *http.Client
	log    *logging.Logger
}

// NewClient creates an upstream store client
func NewClient(config ClientConfig, log *logging.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 32
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}

	transport := &http.Transport{
		MaxIdleConns:        config.PoolSize,
		MaxIdleConnsPerHost: config.PoolSize,
		MaxConnsPerHost:     config.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config: config,
		http:   &http.Client{Transport: transport},
		log:    log.WithComponent("upstream"),
	}, nil
}

// LookupObject implements Store
func (c *Client) LookupObject(ctx context.Context, locator ObjectLocator) (*ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/objects/%d/%d", c.config.BaseURL, locator.ChatID, locator.MessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFatal("failed to build lookup request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError("lookup", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, locator); err != nil {
		return nil, err
	}

	var info ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, NewTransient("failed to decode object info", err)
	}
	if info.Size < 0 {
		return nil, NewFatal(fmt.Sprintf("upstream reported negative size %d", info.Size), nil)
	}
	return &info, nil
}

// ReadBlocks implements Store
func (c *Client) ReadBlocks(ctx context.Context, locator ObjectLocator, startBlock int64, blockCount int) (BlockReader, error) {
	if startBlock < 0 {
		return nil, NewFatal(fmt.Sprintf("negative start block %d", startBlock), nil)
	}
	if blockCount < 1 {
		return nil, NewFatal(fmt.Sprintf("block count must be >= 1, got %d", blockCount), nil)
	}

	endpoint := fmt.Sprintf("%s/objects/%d/%d/read?offset=%d&limit=%d",
		c.config.BaseURL, locator.ChatID, locator.MessageID, startBlock, blockCount)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewFatal("failed to build read request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError("read", err)
	}

	if err := classifyStatus(resp, locator); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &httpBlockReader{body: resp.Body}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}
}

// httpBlockReader drains an upstream read response in fixed-size fragments
type httpBlockReader struct {
	body io.ReadCloser
	done bool
}

func (r *httpBlockReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	buf := make([]byte, readFragmentSize)
	n, err := r.body.Read(buf)
	if n > 0 {
		if err == io.EOF {
			r.done = true
		}
		return buf[:n], nil
	}
	switch err {
	case nil:
		return buf[:0], nil
	case io.EOF:
		r.done = true
		return nil, io.EOF
	default:
		return nil, NewTransient("read interrupted", err)
	}
}

func (r *httpBlockReader) Close() error {
	r.done = true
	return r.body.Close()
}

func classifyStatus(resp *http.Response, locator ObjectLocator) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimited(parseRetryAfter(resp))
	case resp.StatusCode == http.StatusNotFound:
		return NewNotFound(fmt.Sprintf("object %s not found upstream", locator))
	case resp.StatusCode >= 500:
		return NewTransient(fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	default:
		return NewFatal(fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func classifyTransportError(operation string, err error) error {
	// context cancellation propagates as-is so callers can distinguish a
	// cancelled stream from a flaky upstream, however deeply the transport
	// wrapped it
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return NewTransient(operation+" timed out", err)
	}
	return NewTransient(operation+" transport failure", err)
}
