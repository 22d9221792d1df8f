// Package registry maps short opaque tokens to remote object locations with
// TTL-based eviction. Records are immutable after creation; the only
// mutations are single-token delete and bulk purge.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

var (
	// ErrNotFound is returned for unknown or expired tokens
	ErrNotFound = errors.New("link not found")

	// ErrConflict is returned when a token already exists
	ErrConflict = errors.New("token already exists")
)

// LinkRecord is the persistent mapping behind one token
type LinkRecord struct {
	Token     string                 `json:"token"`
	Locator   upstream.ObjectLocator `json:"locator"`
	FileName  string                 `json:"file_name,omitempty"`
	SizeBytes int64                  `json:"size_bytes"`
	MIMEType  string                 `json:"mime_type,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Expired reports whether the record has passed its expiry at the given time
func (r *LinkRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Registry stores link records. Implementations must evict expired records
// within one minute of expiry and must additionally check expiry
// synchronously on Get so the API is correct before the sweeper runs.
// Get and Save are safe for concurrent use from many requests.
type Registry interface {
	// Save persists a new record. Fails with ErrConflict if the token
	// exists.
	Save(ctx context.Context, record *LinkRecord) error

	// Get returns the record for token, or ErrNotFound if absent or
	// expired.
	Get(ctx context.Context, token string) (*LinkRecord, error)

	// Delete removes a record. Removing an absent token is a no-op.
	Delete(ctx context.Context, token string) error

	// DeleteAll purges every record and returns the number removed.
	DeleteAll(ctx context.Context) (int64, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int64, error)

	// List returns up to limit live records, skipping the first skip, in
	// creation order.
	List(ctx context.Context, skip, limit int) ([]*LinkRecord, error)

	// Close releases backing resources and stops the sweeper.
	Close() error
}

// NewLinkRecord builds a record expiring ttl from now. The TTL policy layer
// above restricts ttl to fixed choices; the registry accepts any positive
// duration.
func NewLinkRecord(token string, locator upstream.ObjectLocator, fileName string, size int64, mimeType string, ttl time.Duration) (*LinkRecord, error) {
	if token == "" {
		return nil, errors.New("token is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if size < 0 {
		return nil, errors.New("size must be nonnegative")
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &LinkRecord{
		Token:     token,
		Locator:   locator,
		FileName:  fileName,
		SizeBytes: size,
		MIMEType:  mimeType,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
