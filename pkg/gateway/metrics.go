package gateway

import (
	"sync"
	"time"
)

// TransferInfo describes one in-flight stream for the operator API
type TransferInfo struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	RemoteIP  string    `json:"remote_ip"`
	FileName  string    `json:"file_name,omitempty"`
	RangeSize int64     `json:"range_size"`
	BytesSent int64     `json:"bytes_sent"`
	StartedAt time.Time `json:"started_at"`
}

// StatsSnapshot is a point-in-time view of gateway activity
type StatsSnapshot struct {
	ActiveStreams  int            `json:"active_streams"`
	TotalStarted   int64          `json:"total_started"`
	TotalCompleted int64          `json:"total_completed"`
	TotalFailed    int64          `json:"total_failed"`
	TotalBytesSent int64          `json:"total_bytes_sent"`
	Transfers      []TransferInfo `json:"transfers"`
}

// transferTracker accounts for in-flight and completed streams. A mutex is
// enough here: begin/end happen once per request and byte counts are added
// once per drain interval, not per write.
type transferTracker struct {
	mu     sync.Mutex
	nextID int64
	active map[int64]*TransferInfo

	totalStarted   int64
	totalCompleted int64
	totalFailed    int64
	totalBytesSent int64
}

func newTransferTracker() *transferTracker {
	return &transferTracker{active: make(map[int64]*TransferInfo)}
}

// begin registers a new transfer and returns its id
func (t *transferTracker) begin(token, remoteIP, fileName string, rangeSize int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.totalStarted++
	id := t.nextID
	t.active[id] = &TransferInfo{
		ID:        id,
		Token:     token,
		RemoteIP:  remoteIP,
		FileName:  fileName,
		RangeSize: rangeSize,
		StartedAt: time.Now().UTC(),
	}
	return id
}

// add credits sent bytes to a transfer
func (t *transferTracker) add(id int64, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.active[id]; ok {
		info.BytesSent += n
	}
	t.totalBytesSent += n
}

// end removes a transfer from the active set
func (t *transferTracker) end(id int64, completed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
	if completed {
		t.totalCompleted++
	} else {
		t.totalFailed++
	}
}

// snapshot copies the current state
func (t *transferTracker) snapshot() StatsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	transfers := make([]TransferInfo, 0, len(t.active))
	for _, info := range t.active {
		transfers = append(transfers, *info)
	}
	return StatsSnapshot{
		ActiveStreams:  len(t.active),
		TotalStarted:   t.totalStarted,
		TotalCompleted: t.totalCompleted,
		TotalFailed:    t.totalFailed,
		TotalBytesSent: t.totalBytesSent,
		Transfers:      transfers,
	}
}
