package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetchy-dl/fetchy/internal/progress"
	"github.com/fetchy-dl/fetchy/internal/task"
	"github.com/fetchy-dl/fetchy/internal/utils"
)

// Reads are bounded so the cancellation signal is observed within one
// buffer's worth of transfer.
const readBufferSize = 64 * 1024

// worker fetches one chunk of one task. All workers of a task share the
// destination file handle; their WriteAt offsets never overlap.
type worker struct {
	client     utils.HTTPDoer
	url        string
	file       *os.File
	agg        *progress.Aggregator
	maxRetries int
	backoff    time.Duration
	backoffCap time.Duration
	mu         *sync.Mutex // guards chunk state shared with snapshots
	log        zerolog.Logger
}

// fetchChunk downloads the chunk's remaining byte range, retrying
// transient failures with exponential backoff. Each attempt resumes
// from the last acknowledged offset instead of refetching the chunk.
func (w *worker) fetchChunk(ctx context.Context, chunk *task.Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.mu.Lock()
			chunk.RetryCount++
			w.mu.Unlock()
			if err := w.sleep(ctx, attempt); err != nil {
				return err
			}
			w.log.Debug().Int("chunk", chunk.Index).Msgf("Retrying chunk (attempt %d/%d)", attempt+1, w.maxRetries+1)
		}
		err := w.rangedAttempt(ctx, chunk)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, task.ErrRangeUnsupported) || !task.Retryable(err) {
			return err
		}
		lastErr = err
		w.log.Warn().Int("chunk", chunk.Index).Err(err).Msg("Chunk attempt failed")
	}
	return fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Index, w.maxRetries+1, lastErr)
}

func (w *worker) rangedAttempt(ctx context.Context, chunk *task.Chunk) error {
	w.mu.Lock()
	offset := chunk.Start + chunk.Downloaded
	w.mu.Unlock()
	if offset >= chunk.End {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, chunk.End-1))
	req.Header.Set("Connection", "keep-alive")
	resp, err := w.client.Do(req)
	if err != nil {
		return &task.NetworkError{Op: "chunk fetch", Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK, http.StatusRequestedRangeNotSatisfiable:
		// Full-body 200 or 416 on a range request both mean the server
		// is not honoring ranges for this resource.
		return task.ErrRangeUnsupported
	default:
		return &task.RemoteError{Status: resp.StatusCode}
	}

	written, err := w.copyAt(ctx, resp.Body, chunk, offset, chunk.End-offset)
	if err != nil {
		return err
	}
	if written != chunk.End-offset {
		return fmt.Errorf("stream ended early: expected %d bytes, got %d", chunk.End-offset, written)
	}
	return nil
}

// streamWhole transfers a range-less resource as one sequential stream.
// A retry first asks the server to continue from the current offset;
// when that is refused the transfer restarts from zero and previously
// counted progress is rolled back.
func (w *worker) streamWhole(ctx context.Context, chunk *task.Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.mu.Lock()
			chunk.RetryCount++
			w.mu.Unlock()
			if err := w.sleep(ctx, attempt); err != nil {
				return err
			}
		}
		err := w.streamAttempt(ctx, chunk)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !task.Retryable(err) {
			return err
		}
		lastErr = err
		w.log.Warn().Err(err).Msg("Stream attempt failed")
	}
	return fmt.Errorf("download failed after %d attempts: %w", w.maxRetries+1, lastErr)
}

func (w *worker) streamAttempt(ctx context.Context, chunk *task.Chunk) error {
	w.mu.Lock()
	offset := chunk.Downloaded
	w.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := w.client.Do(req)
	if err != nil {
		return &task.NetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server restarted from the beginning; roll progress back.
			w.log.Warn().Msgf("Server does not support resume, restarting from offset 0 (had %d bytes)", offset)
			w.agg.Add(-offset)
			w.mu.Lock()
			chunk.Downloaded = 0
			w.mu.Unlock()
			offset = 0
		}
	default:
		return &task.RemoteError{Status: resp.StatusCode}
	}

	_, err = w.copyAt(ctx, resp.Body, chunk, offset, -1)
	return err
}

// copyAt streams body into the destination at absolute file offsets,
// bumping chunk progress and the aggregator per read. limit < 0 means
// read until EOF. The context is checked between bounded reads.
func (w *worker) copyAt(ctx context.Context, body io.Reader, chunk *task.Chunk, offset, limit int64) (int64, error) {
	buffer := make([]byte, readBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		readSize := int64(len(buffer))
		if limit >= 0 && limit-written < readSize {
			readSize = limit - written
			if readSize == 0 {
				return written, nil
			}
		}
		n, readErr := body.Read(buffer[:readSize])
		if n > 0 {
			if _, err := w.file.WriteAt(buffer[:n], offset+written); err != nil {
				return written, &task.DiskError{Path: w.file.Name(), Err: err}
			}
			written += int64(n)
			w.mu.Lock()
			chunk.Downloaded += int64(n)
			w.mu.Unlock()
			w.agg.Add(int64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

func (w *worker) sleep(ctx context.Context, attempt int) error {
	delay := w.backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.backoffCap {
			delay = w.backoffCap
			break
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
