// Package planner computes the byte-range partition a Task Worker fetches
// in parallel. Plan is a pure function: no I/O, deterministic, and
// independently testable — grounded on the chunk-sizing logic in
// internal/engine/concurrent/downloader.go's calculateChunkSize/createTasks
// (the teacher) and original_source/src/utils/helpers.py's calculate_chunks.
package planner

import "github.com/surgekit/godl/internal/types"

// DefaultMinChunkSize is the floor below which a chunk will not be split
// further, per spec §4.1.
const DefaultMinChunkSize int64 = 1 << 20 // 1 MiB

// Plan partitions [0, totalSize-1] into a sequence of non-overlapping,
// contiguous chunks.
//
//   - totalSize <= 0                       -> empty
//   - totalSize <  minChunkSize             -> one chunk [0, totalSize-1]
//   - otherwise n = requestedConnections, shrunk so that total/n >= minChunkSize
//
// The last chunk always absorbs the remainder so chunks[-1].End ==
// totalSize-1 exactly, even when totalSize does not divide evenly by n.
func Plan(totalSize int64, requestedConnections int, minChunkSize int64) []types.Chunk {
	if minChunkSize <= 0 {
		minChunkSize = DefaultMinChunkSize
	}
	if totalSize <= 0 {
		return nil
	}
	if totalSize < minChunkSize {
		return []types.Chunk{{Start: 0, End: totalSize - 1}}
	}

	n := requestedConnections
	if n < 1 {
		n = 1
	}

	chunkSize := totalSize / int64(n)
	if chunkSize < minChunkSize {
		n = int(totalSize / minChunkSize)
		if n < 1 {
			n = 1
		}
		chunkSize = totalSize / int64(n)
	}

	chunks := make([]types.Chunk, 0, n)
	offset := int64(0)
	for i := 0; i < n; i++ {
		var end int64
		if i == n-1 {
			end = totalSize - 1
		} else {
			end = offset + chunkSize - 1
		}
		chunks = append(chunks, types.Chunk{Start: offset, End: end})
		offset = end + 1
	}
	return chunks
}

// ConnectionsFor returns how many connections Plan will actually use for
// the given inputs, without allocating the chunk slice. The Worker does
// not call it; it takes its fetcher count from len(Plan(...)).
func ConnectionsFor(totalSize int64, requestedConnections int, minChunkSize int64) int {
	if minChunkSize <= 0 {
		minChunkSize = DefaultMinChunkSize
	}
	if totalSize <= 0 {
		return 0
	}
	if totalSize < minChunkSize {
		return 1
	}
	n := requestedConnections
	if n < 1 {
		n = 1
	}
	if totalSize/int64(n) < minChunkSize {
		n = int(totalSize / minChunkSize)
		if n < 1 {
			n = 1
		}
	}
	return n
}
