package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/resume"
	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Options tunes a task run. Zero values fall back to the defaults the
// config package also uses.
type Options struct {
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffCap  time.Duration
	ProgressInterval time.Duration
	SnapshotInterval time.Duration
	// ConnLimiter caps in-flight connections across every task sharing
	// it, independent of any single task's thread count. Optional.
	ConnLimiter *semaphore.Weighted
	// OnTransition fires after every task status change, letting the
	// queue persist transitions as they happen.
	OnTransition func(*task.Task)
}

func (o *Options) applyDefaults() {
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.RetryBackoffCap == 0 {
		o.RetryBackoffCap = 10 * time.Second
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = 5 * time.Second
	}
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// Orchestrator owns one task's lifecycle: probe, plan, worker
// supervision, persistence and finalization. It never blocks on I/O
// itself, only on worker completion. Create a fresh Orchestrator per
// run; resuming a paused task is just another Start, which picks the
// resume record back up.
type Orchestrator struct {
	t      *task.Task
	client utils.HTTPDoer
	prober *Prober
	store  *resume.Store
	opts   Options
	agg    *progress.Aggregator
	log    zerolog.Logger

	mu        sync.Mutex // guards chunk state, control fields
	cancelRun context.CancelFunc
	reason    stopReason
}

func NewOrchestrator(t *task.Task, client utils.HTTPDoer, prober *Prober, store *resume.Store, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		t:      t,
		client: client,
		prober: prober,
		store:  store,
		opts:   opts,
		agg:    progress.NewAggregator(t.ID, t.TotalSize, opts.ProgressInterval),
		log:    utils.GetLogger("orchestrator"),
	}
}

// Task returns the task this orchestrator drives.
func (o *Orchestrator) Task() *task.Task { return o.t }

// Subscribe registers a progress snapshot receiver. Call before Start.
func (o *Orchestrator) Subscribe() <-chan progress.Snapshot {
	return o.agg.Subscribe()
}

// Pause raises the cooperative stop signal. Workers finish their
// current buffered read, report exact progress and exit; the task is
// snapshotted and left Paused.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelRun != nil && o.reason == stopNone {
		o.reason = stopPause
		o.cancelRun()
	}
}

// Cancel stops like Pause but discards the resume record and the
// partial file.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelRun != nil && o.reason != stopCancel {
		o.reason = stopCancel
		o.cancelRun()
	}
}

// Start drives the task to Paused, Cancelled, Completed or Failed and
// returns the failure, if any. A cancelled parent context behaves like
// Pause: progress is snapshotted for a later resume.
func (o *Orchestrator) Start(ctx context.Context) error {
	t := o.t
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelRun = cancel
	o.reason = stopNone
	o.mu.Unlock()

	o.agg.Start()
	defer o.agg.Stop()

	o.setStatus(task.StatusProbing)
	info, err := o.prober.Probe(runCtx, t.URL)
	if err != nil {
		if isCtxErr(err) {
			// Interrupted before any chunk existed: nothing to resume.
			o.mu.Lock()
			reason := o.reason
			o.mu.Unlock()
			if reason == stopCancel {
				o.setStatus(task.StatusCancelled)
			} else {
				o.setStatus(task.StatusQueued)
			}
			return nil
		}
		return o.fail(err)
	}
	if err := o.prepare(info); err != nil {
		return o.fail(err)
	}

	rangeFallback := false
	for {
		err := o.download(runCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, task.ErrRangeUnsupported) && !rangeFallback {
			rangeFallback = true
			o.log.Warn().Str("url", t.URL).Msg("Range request refused mid-transfer, re-probing and collapsing to a single stream")
			info, perr := o.prober.Probe(runCtx, t.URL)
			if perr != nil {
				return o.fail(perr)
			}
			o.collapse(info)
			continue
		}
		return o.fail(err)
	}
}

// prepare decides between resuming recorded progress and planning from
// scratch. A resume record is honored only when its validator matches
// the probe and the partial file is still present.
func (o *Orchestrator) prepare(info *ProbeInfo) error {
	t := o.t
	if t.Destination == "" {
		name := info.SuggestedFilename
		if name == "" {
			name = "download"
		}
		t.Destination = name
	}
	rec, err := o.store.Load(t.ID)
	if err != nil {
		o.log.Warn().Err(err).Msg("Ignoring unreadable resume record")
		rec = nil
	}
	if rec != nil {
		_, statErr := os.Stat(task.PartPath(t.Destination))
		if statErr == nil && rec.Validator.Matches(info.Validator) {
			rec.Apply(t)
			o.agg.SetTotal(t.TotalSize)
			o.agg.Add(t.Downloaded())
			o.log.Info().Str("url", t.URL).Msgf("Resuming with %d of %d bytes", t.Downloaded(), t.TotalSize)
			return nil
		}
		if statErr == nil {
			o.log.Warn().Str("url", t.URL).Msg("Remote resource changed since last attempt, discarding recorded progress")
		} else {
			o.log.Warn().Str("url", t.URL).Msg("Partial file missing, discarding recorded progress")
		}
		if err := o.store.Delete(t.ID); err != nil {
			return err
		}
		os.Remove(task.PartPath(t.Destination))
	}

	if _, err := os.Stat(t.Destination); err == nil {
		renewed := utils.RenewOutputPath(t.Destination)
		o.log.Warn().Msgf("Destination %s exists, writing to %s instead", t.Destination, renewed)
		t.Destination = renewed
	}
	t.TotalSize = info.TotalSize
	t.AcceptsRanges = info.AcceptsRanges && info.TotalSize > 0
	t.Validator = info.Validator
	threads := ClampThreads(t.ThreadCount)
	if !t.AcceptsRanges {
		threads = 1
	}
	t.ThreadCount = threads
	t.Chunks = Plan(t.TotalSize, threads)
	o.agg.SetTotal(t.TotalSize)
	return nil
}

// collapse rebuilds the task as a single range-less stream after the
// server refused ranges mid-transfer. All ranged progress is discarded;
// interleaved ranges cannot be trusted on a server that ignores them.
func (o *Orchestrator) collapse(info *ProbeInfo) {
	t := o.t
	o.mu.Lock()
	o.agg.Add(-t.Downloaded())
	t.AcceptsRanges = false
	t.ThreadCount = 1
	t.TotalSize = info.TotalSize
	t.Validator = info.Validator
	t.Chunks = Plan(t.TotalSize, 1)
	for i := range t.Chunks {
		t.Chunks[i].Status = task.ChunkPending
	}
	o.mu.Unlock()
	o.agg.SetTotal(t.TotalSize)
	o.store.Delete(t.ID)
	os.Remove(task.PartPath(t.Destination))
}

func (o *Orchestrator) download(runCtx context.Context) error {
	t := o.t
	if dir := filepath.Dir(t.Destination); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &task.DiskError{Path: dir, Err: err}
		}
	}
	partPath := task.PartPath(t.Destination)
	file, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return &task.DiskError{Path: partPath, Err: err}
	}
	defer file.Close()
	if t.AcceptsRanges && t.TotalSize > 0 {
		// Pre-allocate so positioned writes land inside the file.
		if err := file.Truncate(t.TotalSize); err != nil {
			return &task.DiskError{Path: partPath, Err: err}
		}
	}

	o.setStatus(task.StatusDownloading)

	snapshotDone := make(chan struct{})
	go o.snapshotLoop(runCtx, snapshotDone)
	defer func() {
		close(snapshotDone)
	}()

	errCh := make(chan error, len(t.Chunks))
	var wg sync.WaitGroup
	for i := range t.Chunks {
		c := &t.Chunks[i]
		if c.Status == task.ChunkDone {
			continue
		}
		o.mu.Lock()
		c.Status = task.ChunkActive
		o.mu.Unlock()
		wg.Add(1)
		go func(c *task.Chunk) {
			defer wg.Done()
			errCh <- o.runWorker(runCtx, file, c)
		}(c)
	}
	go func() {
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if err == nil || isCtxErr(err) {
			continue
		}
		if firstErr == nil {
			firstErr = err
			// Halt the remaining workers cooperatively; the stop
			// reason stays stopNone so this is recognized as failure,
			// not pause.
			o.mu.Lock()
			if o.reason == stopNone && o.cancelRun != nil {
				o.cancelRun()
			}
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	reason := o.reason
	o.mu.Unlock()

	switch {
	case reason == stopCancel:
		file.Close()
		os.Remove(partPath)
		o.store.Delete(t.ID)
		o.setStatus(task.StatusCancelled)
		o.log.Info().Str("url", t.URL).Msg("Download cancelled")
		return nil
	case reason == stopPause, firstErr == nil && runCtx.Err() != nil:
		file.Sync()
		if err := o.saveSnapshot(); err != nil {
			return err
		}
		o.setStatus(task.StatusPaused)
		o.log.Info().Str("url", t.URL).Msgf("Paused with %d bytes downloaded", t.Downloaded())
		return nil
	}

	if firstErr != nil {
		if errors.Is(firstErr, task.ErrRangeUnsupported) {
			return firstErr
		}
		// Keep the partial file and record so a retry can pick up here.
		file.Sync()
		o.saveSnapshot()
		return firstErr
	}

	if t.TotalSize > 0 && t.Downloaded() != t.TotalSize {
		return fmt.Errorf("size mismatch after download: expected %d bytes, got %d", t.TotalSize, t.Downloaded())
	}
	if t.TotalSize == 0 {
		t.TotalSize = t.Downloaded()
		o.agg.SetTotal(t.TotalSize)
	}
	if err := file.Sync(); err != nil {
		return &task.DiskError{Path: partPath, Err: err}
	}
	if err := file.Close(); err != nil {
		return &task.DiskError{Path: partPath, Err: err}
	}
	if err := os.Rename(partPath, t.Destination); err != nil {
		return &task.DiskError{Path: t.Destination, Err: err}
	}
	o.store.Delete(t.ID)
	t.LastError = ""
	o.setStatus(task.StatusCompleted)
	o.log.Info().Str("url", t.URL).Msgf("Download completed: %s", t.Destination)
	return nil
}

func (o *Orchestrator) runWorker(runCtx context.Context, file *os.File, c *task.Chunk) error {
	if lim := o.opts.ConnLimiter; lim != nil {
		if err := lim.Acquire(runCtx, 1); err != nil {
			return err
		}
		defer lim.Release(1)
	}
	w := &worker{
		client:     o.client,
		url:        o.t.URL,
		file:       file,
		agg:        o.agg,
		maxRetries: o.opts.MaxRetries,
		backoff:    o.opts.RetryBackoff,
		backoffCap: o.opts.RetryBackoffCap,
		mu:         &o.mu,
		log:        o.log.With().Int("chunk", c.Index).Logger(),
	}
	var err error
	if o.t.AcceptsRanges {
		err = w.fetchChunk(runCtx, c)
	} else {
		err = w.streamWhole(runCtx, c)
	}
	o.mu.Lock()
	switch {
	case err == nil:
		c.Status = task.ChunkDone
	case isCtxErr(err):
		// Interrupted, not failed; a resume fetches the remainder.
		c.Status = task.ChunkPending
	default:
		c.Status = task.ChunkFailed
	}
	o.mu.Unlock()
	return err
}

// snapshotLoop persists progress periodically while downloading, so a
// crash loses at most one interval of accounting.
func (o *Orchestrator) snapshotLoop(runCtx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(o.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if err := o.saveSnapshot(); err != nil {
				o.log.Warn().Err(err).Msg("Periodic progress snapshot failed")
			}
		}
	}
}

func (o *Orchestrator) saveSnapshot() error {
	o.mu.Lock()
	rec := resume.FromTask(o.t)
	o.mu.Unlock()
	return o.store.Save(rec)
}

func (o *Orchestrator) fail(err error) error {
	o.t.LastError = err.Error()
	o.setStatus(task.StatusFailed)
	o.log.Error().Str("url", o.t.URL).Err(err).Msg("Download failed")
	return err
}

func (o *Orchestrator) setStatus(s task.Status) {
	o.t.Status = s
	o.t.Touch()
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(o.t)
	}
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
