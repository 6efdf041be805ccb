package engine

import (
	"github.com/fetchy-dl/fetchy/internal/task"
)

const (
	minThreads = 1
	maxThreads = 16
)

// ClampThreads bounds a requested connection count to what a single
// task may use.
func ClampThreads(threads int) int {
	if threads < minThreads {
		return minThreads
	}
	if threads > maxThreads {
		return maxThreads
	}
	return threads
}

// Plan splits [0, totalSize) into consecutive half-open ranges, one per
// worker. Chunk size is ceil(totalSize/threads) with the final chunk
// taking whatever remains, so the ranges partition the file exactly.
// Deterministic and side-effect free: the same inputs always yield the
// same plan, which resuming depends on.
//
// totalSize 0 means the size is unknown (or the file is empty); the
// plan is then a single zero-range chunk streamed until EOF.
func Plan(totalSize int64, threads int) []task.Chunk {
	threads = ClampThreads(threads)
	if totalSize <= 0 {
		return []task.Chunk{{Index: 0, Start: 0, End: 0, Status: task.ChunkPending}}
	}
	chunkSize := (totalSize + int64(threads) - 1) / int64(threads)
	var chunks []task.Chunk
	for start := int64(0); start < totalSize; start += chunkSize {
		end := start + chunkSize
		if end > totalSize {
			end = totalSize
		}
		chunks = append(chunks, task.Chunk{
			Index:  len(chunks),
			Start:  start,
			End:    end,
			Status: task.ChunkPending,
		})
	}
	return chunks
}
