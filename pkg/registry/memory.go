package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
)

// MemoryRegistry is a process-local Registry with a background sweeper.
// Suitable for single-instance deployments and tests; production instances
// that must survive restarts use PostgresRegistry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*LinkRecord

	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewMemoryRegistry creates an in-memory registry and starts its sweeper
func NewMemoryRegistry(sweepInterval time.Duration, log *logging.Logger) *MemoryRegistry {
	if sweepInterval <= 0 || sweepInterval > time.Minute {
		sweepInterval = time.Minute
	}
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &MemoryRegistry{
		records: make(map[string]*LinkRecord),
		log:     log.WithComponent("registry"),
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go r.sweep(ctx, sweepInterval)
	return r
}

// Save implements Registry
func (r *MemoryRegistry) Save(_ context.Context, record *LinkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[record.Token]; ok && !existing.Expired(r.now()) {
		return ErrConflict
	}
	clone := *record
	r.records[record.Token] = &clone
	return nil
}

// Get implements Registry. Expiry is checked synchronously so an expired
// record is invisible even before the sweeper removes it.
func (r *MemoryRegistry) Get(_ context.Context, token string) (*LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[token]
	if !ok || record.Expired(r.now()) {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

// Delete implements Registry
func (r *MemoryRegistry) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, token)
	return nil
}

// DeleteAll implements Registry
func (r *MemoryRegistry) DeleteAll(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := int64(len(r.records))
	r.records = make(map[string]*LinkRecord)
	return count, nil
}

// Count implements Registry
func (r *MemoryRegistry) Count(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var count int64
	for _, record := range r.records {
		if !record.Expired(now) {
			count++
		}
	}
	return count, nil
}

// List implements Registry
func (r *MemoryRegistry) List(_ context.Context, skip, limit int) ([]*LinkRecord, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	now := r.now()
	live := make([]*LinkRecord, 0, len(r.records))
	for _, record := range r.records {
		if !record.Expired(now) {
			live = append(live, record)
		}
	}
	r.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].Token < live[j].Token
		}
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	if skip >= len(live) {
		return nil, nil
	}
	live = live[skip:]
	if len(live) > limit {
		live = live[:limit]
	}

	out := make([]*LinkRecord, len(live))
	for i, record := range live {
		clone := *record
		out[i] = &clone
	}
	return out, nil
}

// Close implements Registry
func (r *MemoryRegistry) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *MemoryRegistry) sweep(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := r.sweepOnce()
			if removed > 0 {
				r.log.Debug("swept expired links", map[string]interface{}{"removed": removed})
			}
		}
	}
}

func (r *MemoryRegistry) sweepOnce() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for token, record := range r.records {
		if record.Expired(now) {
			delete(r.records, token)
			removed++
		}
	}
	return removed
}
