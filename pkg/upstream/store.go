// Package upstream defines the contract with the remote chat-based object
// store and provides an HTTP client implementation of it. Objects live in the
// upstream store as messages inside containers; the store exposes only a
// metadata lookup and a sequential block read starting at a block index.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BlockSize is the fixed block size of the upstream store's sequential read
// API (1 MiB). It is constant for the life of a locator.
const BlockSize = 1 << 20

// ObjectLocator identifies one remote object within the upstream store.
// The streaming pipeline never inspects its internals beyond passing it back
// to the store.
type ObjectLocator struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

func (l ObjectLocator) String() string {
	return fmt.Sprintf("%d/%d", l.ChatID, l.MessageID)
}

// ObjectInfo describes an object as known to the upstream store
type ObjectInfo struct {
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type"`
	FileName string `json:"file_name,omitempty"`
}

// BlockReader is a pull-based iterator over the byte fragments of a block
// read. Fragment boundaries are not significant and need not align to
// BlockSize; the concatenation of all fragments equals the requested bytes.
// Next returns io.EOF after the final fragment. Close releases the underlying
// connection and is safe to call at any point.
type BlockReader interface {
	Next() ([]byte, error)
	Close() error
}

// Store is the upstream object store collaborator. Any transport providing
// these two operations with the documented failure modes is acceptable.
type Store interface {
	// LookupObject resolves an object's current size, MIME type and file
	// name. Returns a NOT_FOUND UpstreamError if the object is missing.
	LookupObject(ctx context.Context, locator ObjectLocator) (*ObjectInfo, error)

	// ReadBlocks starts a sequential read of blockCount blocks beginning
	// at startBlock. The total bytes yielded equal
	// min(blockCount*BlockSize, size-startBlock*BlockSize).
	ReadBlocks(ctx context.Context, locator ObjectLocator, startBlock int64, blockCount int) (BlockReader, error)
}

// Upstream error codes
const (
	// ErrCodeRateLimited signals the upstream throttled the call; retry
	// after the indicated delay.
	ErrCodeRateLimited = "RATE_LIMITED"

	// ErrCodeTransient signals a transport failure worth retrying with
	// backoff.
	ErrCodeTransient = "TRANSIENT"

	// ErrCodeNotFound signals the object is missing or the locator is
	// invalid. Not retried.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeFatal signals an unrecoverable upstream error. Not retried.
	ErrCodeFatal = "FATAL"
)

// UpstreamError is the standardized error for upstream store failures
type UpstreamError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// NewRateLimited creates a RATE_LIMITED error carrying the upstream's
// retry-after hint
func NewRateLimited(retryAfter time.Duration) *UpstreamError {
	return &UpstreamError{
		Code:       ErrCodeRateLimited,
		Message:    fmt.Sprintf("rate limited, retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// NewTransient creates a TRANSIENT error
func NewTransient(message string, cause error) *UpstreamError {
	return &UpstreamError{Code: ErrCodeTransient, Message: message, Cause: cause}
}

// NewNotFound creates a NOT_FOUND error
func NewNotFound(message string) *UpstreamError {
	return &UpstreamError{Code: ErrCodeNotFound, Message: message}
}

// NewFatal creates a FATAL error
func NewFatal(message string, cause error) *UpstreamError {
	return &UpstreamError{Code: ErrCodeFatal, Message: message, Cause: cause}
}

// CodeOf returns the upstream error code of err, or "" if err is not an
// UpstreamError anywhere in its chain
func CodeOf(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// IsNotFound reports whether err carries the NOT_FOUND code
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// RetryAfterOf returns the retry-after hint of a RATE_LIMITED error, or 0
func RetryAfterOf(err error) time.Duration {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Code == ErrCodeRateLimited {
		return ue.RetryAfter
	}
	return 0
}
