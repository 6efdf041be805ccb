package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of a task's transfer state, emitted to
// subscribers at a fixed cadence.
type Snapshot struct {
	TaskID     string
	Downloaded int64
	TotalSize  int64 // 0 when unknown
	Rate       float64
	ETA        time.Duration
	Percent    float64
	Timestamp  time.Time
	Final      bool
}

const ewmaAlpha = 0.3

// Aggregator merges per-chunk byte deltas into rate, ETA and percent.
// Workers call Add from their read loops; snapshots go out on a ticker
// so a slow subscriber never stalls a worker.
type Aggregator struct {
	taskID     string
	interval   time.Duration
	total      atomic.Int64
	downloaded atomic.Int64

	mu          sync.Mutex
	subscribers []chan Snapshot
	rate        float64
	lastBytes   int64
	lastTick    time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewAggregator(taskID string, totalSize int64, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	a := &Aggregator{
		taskID:   taskID,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	a.total.Store(totalSize)
	return a
}

// Add records newly transferred bytes. Negative deltas roll progress
// back when a chunk restarts from scratch.
func (a *Aggregator) Add(n int64) {
	a.downloaded.Add(n)
}

// Downloaded returns the current byte total.
func (a *Aggregator) Downloaded() int64 {
	return a.downloaded.Load()
}

// SetTotal updates the expected size once a probe learns it.
func (a *Aggregator) SetTotal(n int64) {
	a.total.Store(n)
}

// Subscribe registers a snapshot receiver. The channel holds a single
// snapshot; when the subscriber lags, stale snapshots are replaced
// rather than queued. The channel closes after Stop.
func (a *Aggregator) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	a.mu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.mu.Unlock()
	return ch
}

// Start launches the emit loop.
func (a *Aggregator) Start() {
	go a.loop()
}

// Stop emits one final snapshot and closes all subscriber channels.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh
}

func (a *Aggregator) loop() {
	defer close(a.doneCh)
	a.mu.Lock()
	a.lastTick = time.Now()
	a.mu.Unlock()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.emit(false)
		case <-a.stopCh:
			a.emit(true)
			a.mu.Lock()
			for _, ch := range a.subscribers {
				close(ch)
			}
			a.subscribers = nil
			a.mu.Unlock()
			return
		}
	}
}

func (a *Aggregator) emit(final bool) {
	now := time.Now()
	downloaded := a.downloaded.Load()
	total := a.total.Load()

	a.mu.Lock()
	elapsed := now.Sub(a.lastTick).Seconds()
	if elapsed > 0 {
		instant := float64(downloaded-a.lastBytes) / elapsed
		if a.rate == 0 {
			a.rate = instant
		} else {
			a.rate = ewmaAlpha*instant + (1-ewmaAlpha)*a.rate
		}
	}
	a.lastBytes = downloaded
	a.lastTick = now
	rate := a.rate

	snap := Snapshot{
		TaskID:     a.taskID,
		Downloaded: downloaded,
		TotalSize:  total,
		Rate:       rate,
		Timestamp:  now,
		Final:      final,
	}
	if total > 0 {
		snap.Percent = 100 * float64(downloaded) / float64(total)
		if rate > 0 && downloaded < total {
			snap.ETA = time.Duration(float64(total-downloaded) / rate * float64(time.Second))
		}
	}
	for _, ch := range a.subscribers {
		// Replace a stale pending snapshot instead of blocking.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	a.mu.Unlock()
}
