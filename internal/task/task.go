package task

import (
	"time"

	"github.com/google/uuid"
)

// Status values for a whole download task.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProbing     Status = "probing"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether a task in this status is finished for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Runnable reports whether a queue pass should (re)start a task in this
// status. Probing and downloading rows can only be leftovers of a
// crashed process, since transitions are persisted as they happen; no
// live process owns them when a new pass begins.
func (s Status) Runnable() bool {
	return s == StatusQueued || s == StatusPaused ||
		s == StatusProbing || s == StatusDownloading
}

// ChunkStatus values for a single byte-range chunk.
type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkActive  ChunkStatus = "active"
	ChunkDone    ChunkStatus = "done"
	ChunkFailed  ChunkStatus = "failed"
)

// Chunk is one contiguous byte range [Start, End) of the resource,
// fetched by a single worker. The range is fixed once assigned; only
// Downloaded moves after that.
type Chunk struct {
	Index      int         `json:"index"`
	Start      int64       `json:"start"`
	End        int64       `json:"end"`
	Downloaded int64       `json:"bytes_downloaded"`
	Status     ChunkStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
}

// Size returns the byte length of the chunk's range.
func (c *Chunk) Size() int64 {
	return c.End - c.Start
}

// Remaining returns how many bytes of the range are still to fetch.
func (c *Chunk) Remaining() int64 {
	return c.Size() - c.Downloaded
}

// Task is one download: a URL, a destination, and the chunk state that
// the orchestrator drives through the status machine.
type Task struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Destination   string    `json:"destination"`
	Status        Status    `json:"status"`
	TotalSize     int64     `json:"total_size"` // 0 means unknown
	AcceptsRanges bool      `json:"accepts_ranges"`
	Validator     Validator `json:"validator"`
	ThreadCount   int       `json:"thread_count"`
	Chunks        []Chunk   `json:"chunks"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// New creates a queued task with a deterministic identity.
func New(url, destination string, threads int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          DeriveID(url, destination),
		URL:         url,
		Destination: destination,
		Status:      StatusQueued,
		ThreadCount: threads,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DeriveID maps URL plus destination to a stable identifier, so the
// same request resolves to the same resume and queue records across
// process restarts.
func DeriveID(url, destination string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url+"|"+destination)).String()
}

// Downloaded returns the total bytes fetched across all chunks.
func (t *Task) Downloaded() int64 {
	var n int64
	for i := range t.Chunks {
		n += t.Chunks[i].Downloaded
	}
	return n
}

// Complete reports whether every chunk is done and, when the size is
// known, the byte accounting adds up exactly.
func (t *Task) Complete() bool {
	if len(t.Chunks) == 0 {
		return false
	}
	for i := range t.Chunks {
		if t.Chunks[i].Status != ChunkDone {
			return false
		}
	}
	if t.TotalSize > 0 {
		return t.Downloaded() == t.TotalSize
	}
	return true
}

// Touch bumps the update timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}
